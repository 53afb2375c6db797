package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// CreateCustomer creates a new customer
func (db *DB) CreateCustomer(ctx context.Context, c *models.Customer) error {
	query := `
		INSERT INTO customers (name, slug, archive_repo_path, archive_remote, gitea_url, gitea_repo, gitea_token, discord_webhook, telegram_chat_id, telegram_topic_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		c.Name,
		c.Slug,
		c.ArchiveRepoPath,
		c.ArchiveRemote,
		c.GiteaURL,
		c.GiteaRepo,
		c.GiteaToken,
		c.DiscordWebhook,
		c.TelegramChatID,
		c.TelegramTopicID,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	c.ID = id
	c.CreatedAt = now
	return nil
}

// GetCustomerByID returns a customer by ID
func (db *DB) GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error) {
	var c models.Customer
	err := db.GetContext(ctx, &c, `SELECT * FROM customers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

// GetAllCustomers returns all customers
func (db *DB) GetAllCustomers(ctx context.Context) ([]*models.Customer, error) {
	var customers []*models.Customer
	if err := db.SelectContext(ctx, &customers, `SELECT * FROM customers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get customers: %w", err)
	}
	return customers, nil
}

// AddWhitelistEntry registers an address for a customer
func (db *DB) AddWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) error {
	entry.Address = strings.ToLower(strings.TrimSpace(entry.Address))
	query := `INSERT OR IGNORE INTO whitelist_entries (address, customer_id, salutation, created_at) VALUES (?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, entry.Address, entry.CustomerID, entry.Salutation, now)
	if err != nil {
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	entry.CreatedAt = now
	return nil
}

// GetWhitelist returns every whitelist entry
func (db *DB) GetWhitelist(ctx context.Context) ([]*models.WhitelistEntry, error) {
	var entries []*models.WhitelistEntry
	if err := db.SelectContext(ctx, &entries, `SELECT * FROM whitelist_entries ORDER BY address`); err != nil {
		return nil, fmt.Errorf("failed to get whitelist: %w", err)
	}
	return entries, nil
}
