package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/pkg/models"
)

var tokyo = time.FixedZone("JST", 9*60*60)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, _ models.Customer, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestCalendar(t *testing.T) {
	c := NewCalendar(tokyo, 8, 19)

	tests := []struct {
		name     string
		at       time.Time
		business bool
		next     time.Time
	}{
		{
			name:     "weekday morning",
			at:       time.Date(2025, 4, 2, 10, 0, 0, 0, tokyo), // Wednesday
			business: true,
		},
		{
			name: "weekday before opening",
			at:   time.Date(2025, 4, 2, 7, 30, 0, 0, tokyo),
			next: time.Date(2025, 4, 2, 8, 0, 0, 0, tokyo),
		},
		{
			name: "weekday after closing",
			at:   time.Date(2025, 4, 2, 19, 30, 0, 0, tokyo),
			next: time.Date(2025, 4, 3, 8, 0, 0, 0, tokyo),
		},
		{
			name: "friday evening",
			at:   time.Date(2025, 4, 4, 20, 0, 0, 0, tokyo),
			next: time.Date(2025, 4, 7, 8, 0, 0, 0, tokyo),
		},
		{
			name: "new year holiday",
			at:   time.Date(2025, 1, 1, 10, 0, 0, 0, tokyo), // Wednesday, public holiday
			next: time.Date(2025, 1, 2, 8, 0, 0, 0, tokyo),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.business, c.IsBusinessTime(tt.at))
			if !tt.business {
				assert.True(t, tt.next.Equal(c.NextStart(tt.at)), "got %s", c.NextStart(tt.at))
			}
		})
	}
}

func TestBusinessHoursDefersAndFlushes(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	customer := dbtest.Customer(t, db, "acme")

	rec := &recorder{}
	bh := NewBusinessHours(rec, NewCalendar(tokyo, 8, 19), db, discardLogger())

	// Saturday night
	bh.now = func() time.Time { return time.Date(2025, 4, 5, 22, 0, 0, 0, tokyo) }
	require.NoError(t, bh.Notify(ctx, *customer, Event{Kind: KindNewEmail, MessageID: "m1", Subject: "hi"}))
	assert.Equal(t, 0, rec.count())

	// Urgent events are not deferred
	require.NoError(t, bh.Notify(ctx, *customer, Event{Kind: KindRelayFailed, MessageID: "m2"}))
	assert.Equal(t, 1, rec.count())

	// Sunday: still nothing due
	bh.now = func() time.Time { return time.Date(2025, 4, 6, 12, 0, 0, 0, tokyo) }
	sent, err := bh.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// Monday opening
	bh.now = func() time.Time { return time.Date(2025, 4, 7, 8, 0, 1, 0, tokyo) }
	sent, err = bh.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Equal(t, 2, rec.count())
	assert.Equal(t, "m1", rec.events[1].MessageID)

	sent, err = bh.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestBusinessHoursKeepsFailedDeliveries(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	customer := dbtest.Customer(t, db, "acme")

	rec := &recorder{}
	bh := NewBusinessHours(rec, NewCalendar(tokyo, 8, 19), db, discardLogger())
	bh.now = func() time.Time { return time.Date(2025, 4, 5, 22, 0, 0, 0, tokyo) }
	require.NoError(t, bh.Notify(ctx, *customer, Event{Kind: KindNewEmail, MessageID: "m1"}))

	bh.now = func() time.Time { return time.Date(2025, 4, 7, 9, 0, 0, 0, tokyo) }
	rec.err = errors.New("webhook down")
	sent, err := bh.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	rec.err = nil
	sent, err = bh.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestDiscordNotify(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord("http://default.invalid")
	err := d.Notify(context.Background(), models.Customer{Name: "Acme", DiscordWebhook: srv.URL}, Event{
		Kind:         KindNewEmail,
		CustomerName: "Acme",
		From:         "client@acme.test",
		Subject:      "Order",
		Summary:      "wants 3",
	})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "New email: Acme", got.Embeds[0].Title)
	assert.Equal(t, "wants 3", got.Embeds[0].Fields[2].Value)
}

func TestDiscordErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL).Notify(context.Background(), models.Customer{}, Event{})
	var notifyErr *Error
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, "discord", notifyErr.Notifier)

	// No webhook anywhere is not an error
	assert.NoError(t, NewDiscord("").Notify(context.Background(), models.Customer{}, Event{}))
}

func TestMulti(t *testing.T) {
	a, b := &recorder{err: errors.New("down")}, &recorder{}
	err := Multi{a, b}.Notify(context.Background(), models.Customer{}, Event{})
	assert.Error(t, err)
	assert.Equal(t, 1, b.count())
}

func TestDiscordUsageEmbed(t *testing.T) {
	embed := buildEmbed(Event{Kind: KindUsage, Subject: "Model usage reached $2.10", Summary: "Spending since 2026-10-01: $2.10"})
	assert.Equal(t, "Model usage reached $2.10", embed.Title)
	require.Len(t, embed.Fields, 1)
	assert.Contains(t, embed.Fields[0].Value, "$2.10")
	assert.True(t, Event{Kind: KindUsage}.Urgent())
}
