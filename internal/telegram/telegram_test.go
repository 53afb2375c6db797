package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/formatter"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

type sentMessage struct {
	ChatID   string
	ThreadID string
	Text     string
}

type fakeAPI struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if path.Base(r.URL.Path) != "sendMessage" {
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
		return
	}
	f.sent = append(f.sent, sentMessage{
		ChatID:   r.FormValue("chat_id"),
		ThreadID: r.FormValue("message_thread_id"),
		Text:     r.FormValue("text"),
	})
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":42,"type":"supergroup"}}}`)
}

func (f *fakeAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type staticStatus struct{ snap *admin.Snapshot }

func (s staticStatus) Snapshot() *admin.Snapshot { return s.snap }

func newTestBot(t *testing.T, status StatusSource) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := NewBot(BotDeps{
		Token:       "123:test",
		AdminChatID: 100,
		Status:      status,
		Formatter:   formatter.NewTelegramFormatter(time.UTC),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options:     []bot.Option{bot.WithServerURL(srv.URL), bot.WithSkipGetMe()},
	})
	require.NoError(t, err)
	return b, api
}

func TestNotifyCustomerTopic(t *testing.T) {
	b, api := newTestBot(t, nil)

	customer := models.Customer{Name: "acme", TelegramChatID: 42, TelegramTopicID: 7}
	err := b.Notify(context.Background(), customer, notify.Event{
		Kind:         notify.KindNewEmail,
		CustomerName: "acme",
		Direction:    models.DirectionInbound,
		From:         "bob@acme.test",
		Subject:      "Order <#1>",
		Summary:      "Customer asks about delivery",
	})
	require.NoError(t, err)

	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].ChatID)
	assert.Equal(t, "7", sent[0].ThreadID)
	assert.Contains(t, sent[0].Text, "Order &lt;#1&gt;")
	assert.Contains(t, sent[0].Text, "Customer asks about delivery")
}

func TestNotifyWithoutChat(t *testing.T) {
	b, api := newTestBot(t, nil)
	ctx := context.Background()

	require.NoError(t, b.Notify(ctx, models.Customer{Name: "acme"}, notify.Event{Kind: notify.KindNewEmail}))
	assert.Empty(t, api.messages())

	require.NoError(t, b.Notify(ctx, models.Customer{Name: "acme"}, notify.Event{
		Kind:    notify.KindRelayFailed,
		Subject: "Quote",
		Error:   "550 mailbox unavailable",
	}))
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "100", sent[0].ChatID)
	assert.Contains(t, sent[0].Text, "Relay failed")
}

func TestNotifyError(t *testing.T) {
	b, api := newTestBot(t, nil)
	api.fail = true

	err := b.Notify(context.Background(), models.Customer{TelegramChatID: 42}, notify.Event{Kind: notify.KindNewEmail})
	require.Error(t, err)

	var nerr *notify.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "telegram", nerr.Notifier)
}

func TestStatusOnlyInAdminChat(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	snap := &admin.Snapshot{
		Accounts: []admin.AccountStatus{
			{ID: 1, Label: "sales@pop.acme.test", Enabled: true, State: "running", LastSuccessAt: &now},
			{ID: 2, Label: "ops@pop.acme.test", Enabled: true, State: "running", ConsecutiveFailures: 3, LastError: "dial tcp: timeout"},
		},
		RelayQueue: map[string]int{models.RelayPending: 2},
	}
	b, api := newTestBot(t, staticStatus{snap: snap})
	ctx := context.Background()

	b.handleStatus(ctx, nil, &tgmodels.Update{Message: &tgmodels.Message{
		Chat: tgmodels.Chat{ID: 555},
		Text: "/status",
	}})
	assert.Empty(t, api.messages())

	b.handleStatus(ctx, nil, &tgmodels.Update{Message: &tgmodels.Message{
		Chat: tgmodels.Chat{ID: 100},
		Text: "/status",
	}})
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "sales@pop.acme.test")
	assert.Contains(t, sent[0].Text, "Failures: 3")
	assert.Contains(t, sent[0].Text, "2 pending")
}
