package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// RecordModelUsage stores the token usage of a model call
func (db *DB) RecordModelUsage(ctx context.Context, u *models.ModelUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO model_usage (model, prompt_tokens, completion_tokens, created_at) VALUES (?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, u.Model, u.PromptTokens, u.CompletionTokens, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record model usage: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	u.ID = id
	return nil
}

// GetModelUsageSince sums token usage per model from since on
func (db *DB) GetModelUsageSince(ctx context.Context, since time.Time) ([]*models.ModelUsageTotal, error) {
	var totals []*models.ModelUsageTotal
	query := `
		SELECT model, SUM(prompt_tokens) AS prompt_tokens, SUM(completion_tokens) AS completion_tokens
		FROM model_usage WHERE created_at >= ? GROUP BY model ORDER BY model`
	if err := db.SelectContext(ctx, &totals, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to get model usage: %w", err)
	}
	return totals, nil
}

// GetNotifiedUsage returns the amount last announced for a period, 0 if none
func (db *DB) GetNotifiedUsage(ctx context.Context, period string) (float64, error) {
	var amount float64
	err := db.GetContext(ctx, &amount, `SELECT notified_usd FROM usage_notifications WHERE period = ?`, period)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get notified usage: %w", err)
	}
	return amount, nil
}

// SetNotifiedUsage stores the amount last announced for a period
func (db *DB) SetNotifiedUsage(ctx context.Context, period string, amount float64) error {
	query := `
		INSERT INTO usage_notifications (period, notified_usd, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET notified_usd = excluded.notified_usd, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, period, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set notified usage: %w", err)
	}
	return nil
}
