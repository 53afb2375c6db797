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

// ThreadMatch is a thread found through one of its member message ids
type ThreadMatch struct {
	ThreadID       int64     `db:"thread_id"`
	MessageID      string    `db:"message_id"`
	LastActivityAt time.Time `db:"last_activity_at"`
}

// FindThreadsByMessageIDs returns the threads containing any of the given
// message ids for a customer, most recently active first
func FindThreadsByMessageIDs(ctx context.Context, q sqlx.ExtContext, customerID int64, messageIDs []string) ([]ThreadMatch, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT e.thread_id, e.message_id, t.last_activity_at
		FROM thread_emails e
		JOIN threads t ON t.id = e.thread_id
		WHERE e.customer_id = ? AND e.message_id IN (?)
		ORDER BY t.last_activity_at DESC, t.id DESC
	`, customerID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build thread lookup: %w", err)
	}

	var matches []ThreadMatch
	if err := sqlx.SelectContext(ctx, q, &matches, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find threads by message id: %w", err)
	}
	return matches, nil
}

// FindThreadsBySubject returns a customer's threads with the given normalized
// subject, most recently active first
func FindThreadsBySubject(ctx context.Context, q sqlx.ExtContext, customerID int64, subject string) ([]models.Thread, error) {
	query := `
		SELECT * FROM threads
		WHERE customer_id = ? AND normalized_subject = ?
		ORDER BY last_activity_at DESC, id DESC
	`
	var threads []models.Thread
	if err := sqlx.SelectContext(ctx, q, &threads, query, customerID, subject); err != nil {
		return nil, fmt.Errorf("failed to find threads by subject: %w", err)
	}
	return threads, nil
}

// CreateThread inserts a new conversation thread
func CreateThread(ctx context.Context, q sqlx.ExtContext, t *models.Thread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}

	query := `INSERT INTO threads (customer_id, normalized_subject, created_at, last_activity_at) VALUES (?, ?, ?, ?)`
	result, err := q.ExecContext(ctx, query, t.CustomerID, t.NormalizedSubject, t.CreatedAt.UTC(), t.LastActivityAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// TouchThread advances the last activity timestamp of a thread
func TouchThread(ctx context.Context, q sqlx.ExtContext, threadID int64, at time.Time) error {
	query := `UPDATE threads SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`
	if _, err := q.ExecContext(ctx, query, at.UTC(), threadID, at.UTC()); err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}

// InsertThreadEmail appends a message to a thread
func InsertThreadEmail(ctx context.Context, q sqlx.ExtContext, e *models.ThreadEmail) error {
	query := `
		INSERT OR IGNORE INTO thread_emails (thread_id, customer_id, message_id, in_reply_to, references_header, direction, from_address, to_addresses, cc_addresses, subject, body_preview, summary, email_date, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	if e.EmailDate.IsZero() {
		e.EmailDate = now
	}
	result, err := q.ExecContext(ctx, query,
		e.ThreadID,
		e.CustomerID,
		e.MessageID,
		e.InReplyTo,
		e.References,
		e.Direction,
		e.FromAddress,
		e.ToAddresses,
		e.CcAddresses,
		e.Subject,
		e.BodyPreview,
		e.Summary,
		e.EmailDate.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thread email: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	e.ProcessedAt = now
	return nil
}

// GetThreadByID returns a thread by ID
func (db *DB) GetThreadByID(ctx context.Context, id int64) (*models.Thread, error) {
	var t models.Thread
	err := db.GetContext(ctx, &t, `SELECT * FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// GetThreadsByCustomer returns a customer's threads, most recently active first
func (db *DB) GetThreadsByCustomer(ctx context.Context, customerID int64, limit int) ([]*models.Thread, error) {
	var threads []*models.Thread
	query := `SELECT * FROM threads WHERE customer_id = ? ORDER BY last_activity_at DESC, id DESC LIMIT ?`
	if err := db.SelectContext(ctx, &threads, query, customerID, limit); err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	return threads, nil
}

// GetRecentThreadEmails returns the last limit emails of a thread in chronological order
func (db *DB) GetRecentThreadEmails(ctx context.Context, threadID int64, limit int) ([]*models.ThreadEmail, error) {
	var emails []*models.ThreadEmail
	query := `
		SELECT * FROM (
			SELECT * FROM thread_emails WHERE thread_id = ? ORDER BY email_date DESC, id DESC LIMIT ?
		) ORDER BY email_date ASC, id ASC
	`
	if err := db.SelectContext(ctx, &emails, query, threadID, limit); err != nil {
		return nil, fmt.Errorf("failed to get thread emails: %w", err)
	}
	return emails, nil
}

// GetThreadEmailByMessageID returns a customer's thread email by message id
func (db *DB) GetThreadEmailByMessageID(ctx context.Context, customerID int64, messageID string) (*models.ThreadEmail, error) {
	var e models.ThreadEmail
	query := `SELECT * FROM thread_emails WHERE customer_id = ? AND message_id = ?`
	err := db.GetContext(ctx, &e, query, customerID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread email: %w", err)
	}
	return &e, nil
}

// CountThreadEmails returns the number of thread emails stored for a customer
func (db *DB) CountThreadEmails(ctx context.Context, customerID int64) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM thread_emails WHERE customer_id = ?`, customerID); err != nil {
		return 0, fmt.Errorf("failed to count thread emails: %w", err)
	}
	return n, nil
}

// GetThreadIssue returns the issue linked to a thread
func (db *DB) GetThreadIssue(ctx context.Context, threadID int64) (*models.ThreadIssue, error) {
	var issue models.ThreadIssue
	err := db.GetContext(ctx, &issue, `SELECT * FROM thread_issues WHERE thread_id = ?`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread issue: %w", err)
	}
	return &issue, nil
}

// CreateThreadIssue links an issue to a thread
func (db *DB) CreateThreadIssue(ctx context.Context, issue *models.ThreadIssue) error {
	issue.CreatedAt = time.Now().UTC()
	query := `INSERT OR IGNORE INTO thread_issues (thread_id, issue_number, issue_url, created_at) VALUES (?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, issue.ThreadID, issue.IssueNumber, issue.IssueURL, issue.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread issue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}
