package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailrelay/pkg/models"
)

// ReserveProcessed inserts a dedup record, returning ErrAlreadyExists if the
// message id already has one, whatever its customer
func (db *DB) ReserveProcessed(ctx context.Context, rec *models.ProcessedEmail) error {
	query := `
		INSERT OR IGNORE INTO processed_emails (message_id, customer_id, direction, from_address, to_addresses, subject, status, processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if rec.Status == "" {
		rec.Status = models.StatusReserved
	}
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		rec.MessageID,
		rec.CustomerID,
		rec.Direction,
		rec.FromAddress,
		rec.ToAddresses,
		rec.Subject,
		rec.Status,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve processed email: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	rec.ProcessedAt = now
	rec.UpdatedAt = now
	return nil
}

// ProcessedExists reports whether any dedup record exists for a message id
func (db *DB) ProcessedExists(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_emails WHERE message_id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check processed email: %w", err)
	}
	return n > 0, nil
}

// GetProcessed returns the dedup record of a message
func (db *DB) GetProcessed(ctx context.Context, messageID string) (*models.ProcessedEmail, error) {
	var rec models.ProcessedEmail
	query := `SELECT * FROM processed_emails WHERE message_id = ?`
	err := db.GetContext(ctx, &rec, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed email: %w", err)
	}
	return &rec, nil
}

// CompleteProcessed sets the terminal success status of a reserved record
func CompleteProcessed(ctx context.Context, q sqlx.ExtContext, messageID string, customerID, threadID int64) error {
	query := `UPDATE processed_emails SET status = ?, thread_id = ?, updated_at = ? WHERE message_id = ? AND customer_id = ?`
	result, err := q.ExecContext(ctx, query, models.StatusSuccess, threadID, time.Now().UTC(), messageID, customerID)
	if err != nil {
		return fmt.Errorf("failed to complete processed email: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseReservation removes a record that never got past the reserved status
func (db *DB) ReleaseReservation(ctx context.Context, messageID string, customerID int64) error {
	query := `DELETE FROM processed_emails WHERE message_id = ? AND customer_id = ? AND status = ?`
	_, err := db.ExecContext(ctx, query, messageID, customerID, models.StatusReserved)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// CountProcessedByStatus returns record counts grouped by status
func (db *DB) CountProcessedByStatus(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}{}
	query := `SELECT status, COUNT(*) AS n FROM processed_emails GROUP BY status`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count processed emails: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
