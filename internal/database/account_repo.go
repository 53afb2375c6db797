package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// CreateMailAccount creates a new POP3 account
func (db *DB) CreateMailAccount(ctx context.Context, account *models.MailAccount) error {
	query := `
		INSERT INTO mail_accounts (host, port, username, password, auth_method, use_tls, enabled, poll_interval_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if account.AuthMethod == "" {
		account.AuthMethod = models.AuthUserPass
	}
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		account.Host,
		account.Port,
		account.Username,
		account.Password,
		account.AuthMethod,
		account.UseTLS,
		account.Enabled,
		account.PollIntervalSeconds,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create mail account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetMailAccountByID returns an account by ID
func (db *DB) GetMailAccountByID(ctx context.Context, id int64) (*models.MailAccount, error) {
	var account models.MailAccount
	query := `SELECT * FROM mail_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail account: %w", err)
	}
	return &account, nil
}

// GetAllMailAccounts returns every configured account
func (db *DB) GetAllMailAccounts(ctx context.Context) ([]*models.MailAccount, error) {
	var accounts []*models.MailAccount
	query := `SELECT * FROM mail_accounts ORDER BY id`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get mail accounts: %w", err)
	}
	return accounts, nil
}

// GetEnabledMailAccounts returns all enabled accounts
func (db *DB) GetEnabledMailAccounts(ctx context.Context) ([]*models.MailAccount, error) {
	var accounts []*models.MailAccount
	query := `SELECT * FROM mail_accounts WHERE enabled = true ORDER BY id`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get enabled mail accounts: %w", err)
	}
	return accounts, nil
}

// SetMailAccountEnabled toggles polling of an account
func (db *DB) SetMailAccountEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE mail_accounts SET enabled = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set mail account enabled: %w", err)
	}
	return nil
}

// GetAccountState returns the poll cursor of an account, zero valued if none was saved yet
func (db *DB) GetAccountState(ctx context.Context, accountID int64) (*models.MailAccountState, error) {
	var state models.MailAccountState
	query := `SELECT * FROM mail_account_state WHERE account_id = ?`
	err := db.GetContext(ctx, &state, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.MailAccountState{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account state: %w", err)
	}
	return &state, nil
}

// SaveAccountState upserts the poll cursor of an account
func (db *DB) SaveAccountState(ctx context.Context, state *models.MailAccountState) error {
	query := `
		INSERT INTO mail_account_state (account_id, last_poll_at, last_success_at, last_message_count, last_mailbox_size, consecutive_failures, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_poll_at = excluded.last_poll_at,
			last_success_at = excluded.last_success_at,
			last_message_count = excluded.last_message_count,
			last_mailbox_size = excluded.last_mailbox_size,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error
	`
	_, err := db.ExecContext(ctx, query,
		state.AccountID,
		state.LastPollAt,
		state.LastSuccessAt,
		state.LastMessageCount,
		state.LastMailboxSize,
		state.ConsecutiveFailures,
		state.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save account state: %w", err)
	}
	return nil
}

// GetSeenUIDLs returns the UIDLs already handled for an account
func (db *DB) GetSeenUIDLs(ctx context.Context, accountID int64) (map[string]bool, error) {
	var uidls []string
	query := `SELECT uidl FROM pop3_seen WHERE account_id = ?`
	if err := db.SelectContext(ctx, &uidls, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to get seen uidls: %w", err)
	}

	seen := make(map[string]bool, len(uidls))
	for _, u := range uidls {
		seen[u] = true
	}
	return seen, nil
}

// MarkUIDLSeen records that a message was handled (ignores duplicates)
func (db *DB) MarkUIDLSeen(ctx context.Context, accountID int64, uidl string) error {
	query := `INSERT OR IGNORE INTO pop3_seen (account_id, uidl, seen_at) VALUES (?, ?, ?)`
	_, err := db.ExecContext(ctx, query, accountID, uidl, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark uidl seen: %w", err)
	}
	return nil
}

// PruneSeenUIDLs forgets UIDLs no longer present on the server
func (db *DB) PruneSeenUIDLs(ctx context.Context, accountID int64, present map[string]bool) (int, error) {
	seen, err := db.GetSeenUIDLs(ctx, accountID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for uidl := range seen {
		if present[uidl] {
			continue
		}
		query := `DELETE FROM pop3_seen WHERE account_id = ? AND uidl = ?`
		if _, err := db.ExecContext(ctx, query, accountID, uidl); err != nil {
			return removed, fmt.Errorf("failed to prune uidl: %w", err)
		}
		removed++
	}
	return removed, nil
}
