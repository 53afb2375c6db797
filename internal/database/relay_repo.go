package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// CreateRelayUser registers an SMTP AUTH identity
func (db *DB) CreateRelayUser(ctx context.Context, u *models.RelayUser) error {
	query := `INSERT INTO relay_users (username, password_hash, enabled) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, u.Username, u.PasswordHash, u.Enabled); err != nil {
		return fmt.Errorf("failed to create relay user: %w", err)
	}
	return nil
}

// GetRelayUsers returns all enabled relay users
func (db *DB) GetRelayUsers(ctx context.Context) ([]*models.RelayUser, error) {
	var users []*models.RelayUser
	if err := db.SelectContext(ctx, &users, `SELECT * FROM relay_users WHERE enabled = true`); err != nil {
		return nil, fmt.Errorf("failed to get relay users: %w", err)
	}
	return users, nil
}

// CreateRelayTarget registers a downstream SMTP server
func (db *DB) CreateRelayTarget(ctx context.Context, t *models.RelayTarget) error {
	query := `
		INSERT INTO relay_targets (name, customer_id, relay_username, host, port, username, password, tls_mode, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if t.TLSMode == "" {
		t.TLSMode = models.TLSModeSTARTTLS
	}
	result, err := db.ExecContext(ctx, query,
		t.Name,
		t.CustomerID,
		t.RelayUsername,
		t.Host,
		t.Port,
		t.Username,
		t.Password,
		t.TLSMode,
		t.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to create relay target: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// GetRelayTargets returns all enabled relay targets
func (db *DB) GetRelayTargets(ctx context.Context) ([]*models.RelayTarget, error) {
	var targets []*models.RelayTarget
	if err := db.SelectContext(ctx, &targets, `SELECT * FROM relay_targets WHERE enabled = true ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get relay targets: %w", err)
	}
	return targets, nil
}

// GetRelayTargetByID returns a relay target by ID
func (db *DB) GetRelayTargetByID(ctx context.Context, id int64) (*models.RelayTarget, error) {
	var t models.RelayTarget
	err := db.GetContext(ctx, &t, `SELECT * FROM relay_targets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay target: %w", err)
	}
	return &t, nil
}

// EnqueueRelayJob queues a forward, returning ErrAlreadyExists if the same
// message leg was queued before
func (db *DB) EnqueueRelayJob(ctx context.Context, job *models.RelayJob) error {
	query := `
		INSERT OR IGNORE INTO relay_queue (message_id, customer_id, target_id, mail_from, recipients, raw, status, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		job.MessageID,
		job.CustomerID,
		job.TargetID,
		job.MailFrom,
		job.Recipients,
		job.Raw,
		models.RelayPending,
		now,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue relay job: %w", err)
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
	job.ID = id
	job.Status = models.RelayPending
	job.NextAttemptAt = now
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetRelayJob returns a queued job by ID
func (db *DB) GetRelayJob(ctx context.Context, id int64) (*models.RelayJob, error) {
	var job models.RelayJob
	err := db.GetContext(ctx, &job, `SELECT * FROM relay_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay job: %w", err)
	}
	return &job, nil
}

// GetDueRelayJobs returns pending jobs whose next attempt is due
func (db *DB) GetDueRelayJobs(ctx context.Context, now time.Time, limit int) ([]*models.RelayJob, error) {
	var jobs []*models.RelayJob
	query := `SELECT * FROM relay_queue WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at, id LIMIT ?`
	if err := db.SelectContext(ctx, &jobs, query, models.RelayPending, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to get due relay jobs: %w", err)
	}
	return jobs, nil
}

// GetDueRelayJobsForTarget returns the due jobs of one target
func (db *DB) GetDueRelayJobsForTarget(ctx context.Context, targetID int64, now time.Time, limit int) ([]*models.RelayJob, error) {
	var jobs []*models.RelayJob
	query := `SELECT * FROM relay_queue WHERE status = ? AND target_id = ? AND next_attempt_at <= ? ORDER BY next_attempt_at, id LIMIT ?`
	if err := db.SelectContext(ctx, &jobs, query, models.RelayPending, targetID, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to get due relay jobs: %w", err)
	}
	return jobs, nil
}

// GetDueRelayTargets returns the targets that have due jobs
func (db *DB) GetDueRelayTargets(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	query := `SELECT DISTINCT target_id FROM relay_queue WHERE status = ? AND next_attempt_at <= ? ORDER BY target_id`
	if err := db.SelectContext(ctx, &ids, query, models.RelayPending, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to get due relay targets: %w", err)
	}
	return ids, nil
}

// MarkRelaySent marks a job as delivered
func (db *DB) MarkRelaySent(ctx context.Context, id int64, attempts int) error {
	query := `UPDATE relay_queue SET status = ?, attempts = ?, last_error = '', updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, models.RelaySent, attempts, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark relay job sent: %w", err)
	}
	return nil
}

// MarkRelayRetry schedules another attempt of a job
func (db *DB) MarkRelayRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	query := `UPDATE relay_queue SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, attempts, next.UTC(), lastErr, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to schedule relay retry: %w", err)
	}
	return nil
}

// MarkRelayFailed records the permanent failure of a job
func (db *DB) MarkRelayFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	query := `UPDATE relay_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, models.RelayFailed, attempts, lastErr, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark relay job failed: %w", err)
	}
	return nil
}

// CountRelayJobsByStatus returns queue sizes grouped by status
func (db *DB) CountRelayJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}{}
	query := `SELECT status, COUNT(*) AS n FROM relay_queue GROUP BY status`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count relay jobs: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
