package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// RecordStageFailure stores a recoverable pipeline stage failure
func (db *DB) RecordStageFailure(ctx context.Context, f *models.StageFailure) error {
	query := `INSERT INTO stage_failures (message_id, customer_id, stage, error, created_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, f.MessageID, f.CustomerID, f.Stage, f.Error, now)
	if err != nil {
		return fmt.Errorf("failed to record stage failure: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	return nil
}

// GetOpenStageFailures returns unresolved failures of a stage, oldest first
func (db *DB) GetOpenStageFailures(ctx context.Context, stage string, limit int) ([]*models.StageFailure, error) {
	var failures []*models.StageFailure
	query := `SELECT * FROM stage_failures WHERE stage = ? AND resolved_at IS NULL ORDER BY id LIMIT ?`
	if err := db.SelectContext(ctx, &failures, query, stage, limit); err != nil {
		return nil, fmt.Errorf("failed to get stage failures: %w", err)
	}
	return failures, nil
}

// CountOpenStageFailures returns the number of unresolved failures of any stage
func (db *DB) CountOpenStageFailures(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM stage_failures WHERE resolved_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count stage failures: %w", err)
	}
	return n, nil
}

// GetStageFailuresForMessage returns every failure recorded for a message
func (db *DB) GetStageFailuresForMessage(ctx context.Context, messageID string) ([]*models.StageFailure, error) {
	var failures []*models.StageFailure
	query := `SELECT * FROM stage_failures WHERE message_id = ? ORDER BY id`
	if err := db.SelectContext(ctx, &failures, query, messageID); err != nil {
		return nil, fmt.Errorf("failed to get stage failures: %w", err)
	}
	return failures, nil
}

// ResolveStageFailure marks a failure as handled
func (db *DB) ResolveStageFailure(ctx context.Context, id int64) error {
	query := `UPDATE stage_failures SET resolved_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to resolve stage failure: %w", err)
	}
	return nil
}

// CreatePendingNotification stores a deferred notification
func (db *DB) CreatePendingNotification(ctx context.Context, n *models.PendingNotification) error {
	query := `INSERT INTO pending_notifications (customer_id, event, deliver_after, created_at) VALUES (?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, n.CustomerID, n.Event, n.DeliverAfter.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to create pending notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	n.ID = id
	n.CreatedAt = now
	return nil
}

// GetDuePendingNotifications returns unsent notifications due at now
func (db *DB) GetDuePendingNotifications(ctx context.Context, now time.Time, limit int) ([]*models.PendingNotification, error) {
	var pending []*models.PendingNotification
	query := `SELECT * FROM pending_notifications WHERE sent_at IS NULL AND deliver_after <= ? ORDER BY id LIMIT ?`
	if err := db.SelectContext(ctx, &pending, query, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to get pending notifications: %w", err)
	}
	return pending, nil
}

// MarkNotificationSent marks a deferred notification as delivered
func (db *DB) MarkNotificationSent(ctx context.Context, id int64) error {
	query := `UPDATE pending_notifications SET sent_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}
