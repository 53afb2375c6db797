package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, _ models.Customer, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func newTestMonitor(t *testing.T, n notify.Notifier, now time.Time) *Monitor {
	t.Helper()
	m := NewMonitor(dbtest.New(t), n, Config{
		Prices:       map[string]Price{"gpt-4o-mini": {Input: 0.5, Output: 1.5}},
		DefaultPrice: Price{Input: 10, Output: 30},
		Step:         1,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return now }
	return m
}

func TestSpentUsesModelPrices(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, notify.Nop{}, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	require.NoError(t, m.RecordUsage(ctx, "gpt-4o-mini", 1_000_000, 1_000_000))
	require.NoError(t, m.RecordUsage(ctx, "unknown", 100_000, 0))

	spent, err := m.Spent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5+1.5+1.0, spent, 1e-9)
}

func TestCheckAnnouncesEachStepOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m := newTestMonitor(t, rec, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	// $0.50: below the first step
	require.NoError(t, m.RecordUsage(ctx, "gpt-4o-mini", 1_000_000, 0))
	sent, err := m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, sent)

	// $1.25
	require.NoError(t, m.RecordUsage(ctx, "gpt-4o-mini", 0, 500_000))
	sent, err = m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, rec.events, 1)
	assert.Equal(t, notify.KindUsage, rec.events[0].Kind)
	assert.Contains(t, rec.events[0].Subject, "$1.25")

	sent, err = m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, sent)

	notified, err := m.store.GetNotifiedUsage(ctx, "2026-10")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, notified, 1e-9)

	// A new month starts from zero
	m.now = func() time.Time { return time.Date(2026, 11, 1, 0, 30, 0, 0, time.UTC) }
	spent, err := m.Spent(ctx)
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestCheckKeepsCursorWhenDeliveryFails(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{err: errors.New("webhook down")}
	m := newTestMonitor(t, rec, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	require.NoError(t, m.RecordUsage(ctx, "gpt-4o-mini", 4_000_000, 0))
	_, err := m.Check(ctx)
	require.Error(t, err)

	notified, err := m.store.GetNotifiedUsage(ctx, "2026-10")
	require.NoError(t, err)
	assert.Zero(t, notified)

	rec.err = nil
	sent, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
}
