// Package usage tracks model token usage and announces spending as it
// crosses each step of a monthly budget.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

// Price of a model in USD per million tokens
type Price struct {
	Input  float64
	Output float64
}

// Store persists usage and the last announced amount
type Store interface {
	RecordModelUsage(ctx context.Context, u *models.ModelUsage) error
	GetModelUsageSince(ctx context.Context, since time.Time) ([]*models.ModelUsageTotal, error)
	GetNotifiedUsage(ctx context.Context, period string) (float64, error)
	SetNotifiedUsage(ctx context.Context, period string, amount float64) error
}

// Config of the monitor
type Config struct {
	Prices       map[string]Price // By model name
	DefaultPrice Price            // For models missing from Prices
	Step         float64          // Announce every time spending crosses a multiple of Step
}

// Monitor records usage and sends threshold alerts
type Monitor struct {
	store    Store
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a usage monitor
func NewMonitor(store Store, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Step <= 0 {
		cfg.Step = 1
	}
	return &Monitor{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "usage"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordUsage stores the tokens of one model call
func (m *Monitor) RecordUsage(ctx context.Context, model string, promptTokens, completionTokens int) error {
	return m.store.RecordModelUsage(ctx, &models.ModelUsage{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        m.now(),
	})
}

// Spent returns the estimated cost of the current month in USD
func (m *Monitor) Spent(ctx context.Context) (float64, error) {
	totals, err := m.store.GetModelUsageSince(ctx, monthStart(m.now()))
	if err != nil {
		return 0, err
	}

	var cost float64
	for _, t := range totals {
		p, ok := m.cfg.Prices[t.Model]
		if !ok {
			p = m.cfg.DefaultPrice
		}
		cost += float64(t.PromptTokens)/1e6*p.Input + float64(t.CompletionTokens)/1e6*p.Output
	}
	return cost, nil
}

// Check announces the month's spending when it crossed a step since the
// last announcement. The announced amount is only stored after delivery.
func (m *Monitor) Check(ctx context.Context) (bool, error) {
	now := m.now()
	period := now.Format("2006-01")

	spent, err := m.Spent(ctx)
	if err != nil {
		return false, err
	}
	last, err := m.store.GetNotifiedUsage(ctx, period)
	if err != nil {
		return false, err
	}

	m.logger.Debug("model usage checked", "period", period, "spent_usd", spent, "notified_usd", last)
	if math.Floor(spent/m.cfg.Step) <= math.Floor(last/m.cfg.Step) {
		return false, nil
	}

	ev := notify.Event{
		Kind:    notify.KindUsage,
		Subject: fmt.Sprintf("Model usage reached $%.2f", spent),
		Summary: fmt.Sprintf("Spending since %s: $%.2f (previous alert $%.2f)", monthStart(now).Format("2006-01-02"), spent, last),
		At:      now,
	}
	if err := m.notifier.Notify(ctx, models.Customer{}, ev); err != nil {
		return false, fmt.Errorf("failed to send usage alert: %w", err)
	}
	if err := m.store.SetNotifiedUsage(ctx, period, spent); err != nil {
		return true, err
	}

	m.logger.Info("usage alert sent", "period", period, "spent_usd", spent, "previous_usd", last)
	return true, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
