package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/internal/dedup"
	"github.com/mixelka/mailrelay/internal/extract"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/secret"
	"github.com/mixelka/mailrelay/internal/summarize"
	"github.com/mixelka/mailrelay/internal/thread"
	"github.com/mixelka/mailrelay/pkg/models"
)

type fakeMessage struct {
	uidl string
	raw  []byte
}

// fakeMailbox is a POP3 maildrop shared by every connection
type fakeMailbox struct {
	mu       sync.Mutex
	messages []fakeMessage
	noUIDL   bool
	dialErr  error
	dials    int
	retrs    int
	quits    int
	apop     bool
	user     string
	password string
}

func (b *fakeMailbox) dial(ctx context.Context, account *models.MailAccount) (pop3Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConn{box: b}, nil
}

type fakeConn struct {
	box *fakeMailbox
}

func (c *fakeConn) Auth(user, password string) error {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.user, c.box.password = user, password
	return nil
}

func (c *fakeConn) APOP(user, password string) error {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.apop = true
	c.box.user, c.box.password = user, password
	return nil
}

func (c *fakeConn) Stat() (int, int, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	size := 0
	for _, m := range c.box.messages {
		size += len(m.raw)
	}
	return len(c.box.messages), size, nil
}

func (c *fakeConn) List(msgID int) ([]pop3.MessageID, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	var out []pop3.MessageID
	for i, m := range c.box.messages {
		out = append(out, pop3.MessageID{ID: i + 1, Size: len(m.raw)})
	}
	return out, nil
}

func (c *fakeConn) Uidl(msgID int) ([]pop3.MessageID, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	if c.box.noUIDL {
		return nil, errors.New("-ERR unknown command")
	}
	var out []pop3.MessageID
	for i, m := range c.box.messages {
		out = append(out, pop3.MessageID{ID: i + 1, UID: m.uidl})
	}
	return out, nil
}

func (c *fakeConn) RetrRaw(msgID int) (*bytes.Buffer, error) {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.retrs++
	if msgID < 1 || msgID > len(c.box.messages) {
		return nil, fmt.Errorf("-ERR no such message %d", msgID)
	}
	return bytes.NewBuffer(append([]byte(nil), c.box.messages[msgID-1].raw...)), nil
}

func (c *fakeConn) Quit() error {
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	c.box.quits++
	return nil
}

type countingProcessor struct {
	next  Processor
	mu    sync.Mutex
	calls int
}

func (c *countingProcessor) Process(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.Process(ctx, in)
}

type pollFixture struct {
	db        *database.DB
	box       *fakeMailbox
	poller    *Poller
	processor *countingProcessor
	customer  *models.Customer
	account   *models.MailAccount
}

func newPollFixture(t *testing.T, cfg PollerConfig) *pollFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := dbtest.New(t)
	customer := dbtest.Customer(t, db, "acme", "client@acme.test")

	account := &models.MailAccount{
		Host:       "pop.us.test",
		Port:       995,
		Username:   "support",
		Password:   "secret",
		AuthMethod: models.AuthUserPass,
		UseTLS:     true,
		Enabled:    true,
	}
	require.NoError(t, db.CreateMailAccount(ctx, account))

	provider := admin.NewProvider(db, logger)
	require.NoError(t, provider.Refresh(ctx))

	dd := dedup.New(db)
	processor := &countingProcessor{next: pipeline.New(pipeline.Deps{
		DB:         db,
		Dedup:      dd,
		Resolver:   thread.NewResolver(db),
		Extractor:  extract.New(extract.Limits{}),
		Summarizer: summarize.Noop{},
		Notifier:   notify.Nop{},
		Logger:     logger,
	}, pipeline.Config{})}

	box, err := secret.NewBox("")
	require.NoError(t, err)

	poller := NewPoller(PollerDeps{
		DB:        db,
		Dedup:     dd,
		Pipeline:  processor,
		Directory: provider,
		Secrets:   box,
		Logger:    logger,
	}, cfg)
	mailbox := &fakeMailbox{}
	poller.dial = mailbox.dial

	return &pollFixture{
		db:        db,
		box:       mailbox,
		poller:    poller,
		processor: processor,
		customer:  customer,
		account:   account,
	}
}

func message(id, from, subject string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	b.WriteString("To: support@us.test\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if id != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	}
	b.WriteString("Date: Tue, 01 Apr 2025 10:00:00 +0000\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Hello\r\n")
	return b.Bytes()
}

func TestRepollProcessesOnce(t *testing.T) {
	f := newPollFixture(t, PollerConfig{})
	ctx := context.Background()
	f.box.messages = []fakeMessage{
		{uidl: "u1", raw: message("<m1@acme.test>", "client@acme.test", "Order")},
		{uidl: "u2", raw: message("", "Client <client@acme.test>", "No id")},
		{uidl: "u3", raw: message("<spam@x.test>", "stranger@x.test", "Buy now")},
	}

	state, err := f.poller.Cycle(ctx, f.account, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, state.LastMessageCount)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	require.NotNil(t, state.LastSuccessAt)
	assert.Equal(t, 3, f.box.retrs)
	assert.Equal(t, 1, f.box.quits)
	assert.Equal(t, "support", f.box.user)
	assert.Equal(t, "secret", f.box.password)

	_, err = f.poller.Cycle(ctx, f.account, state)
	require.NoError(t, err)
	assert.Equal(t, 3, f.box.retrs, "seen UIDLs must not be retrieved again")

	n, err := f.db.CountThreadEmails(ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.processor.calls)
}

func TestRepollWithoutUIDL(t *testing.T) {
	f := newPollFixture(t, PollerConfig{})
	ctx := context.Background()
	f.box.noUIDL = true
	f.box.messages = []fakeMessage{
		{raw: message("", "client@acme.test", "No id either")},
	}

	for i := 0; i < 3; i++ {
		_, err := f.poller.Cycle(ctx, f.account, nil)
		require.NoError(t, err)
	}

	n, err := f.db.CountThreadEmails(ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.processor.calls)
}

func TestUnwhitelistedHasNoSideEffects(t *testing.T) {
	f := newPollFixture(t, PollerConfig{})
	ctx := context.Background()
	f.box.messages = []fakeMessage{
		{uidl: "u1", raw: message("<spam@x.test>", "stranger@x.test", "Buy now")},
	}

	_, err := f.poller.Cycle(ctx, f.account, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, f.processor.calls)
	n, err := f.db.CountThreadEmails(ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.db.GetProcessed(ctx, "spam@x.test")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnwhitelisted, rec.Status)
	assert.Nil(t, rec.ThreadID)
}

func TestOversizeAndUnparsableAreSkipped(t *testing.T) {
	f := newPollFixture(t, PollerConfig{MaxMessageBytes: 1024})
	ctx := context.Background()
	big := message("<big@acme.test>", "client@acme.test", "Big")
	big = append(big, bytes.Repeat([]byte("x"), 2048)...)
	f.box.messages = []fakeMessage{
		{uidl: "big", raw: big},
		{uidl: "bad", raw: []byte("this is not a header line\r\n\r\nbody")},
		{uidl: "ok", raw: message("<ok@acme.test>", "client@acme.test", "Fine")},
	}

	_, err := f.poller.Cycle(ctx, f.account, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.box.retrs, "oversize messages are not retrieved")
	assert.Equal(t, 1, f.processor.calls)

	seen, err := f.db.GetSeenUIDLs(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, seen["big"])
	assert.True(t, seen["bad"])
	assert.True(t, seen["ok"])
}

func TestCycleFailureIsCounted(t *testing.T) {
	f := newPollFixture(t, PollerConfig{})
	ctx := context.Background()
	f.box.dialErr = errors.New("connection refused")

	state, err := f.poller.Cycle(ctx, f.account, nil)
	require.Error(t, err)
	state, err = f.poller.Cycle(ctx, f.account, state)
	require.Error(t, err)
	assert.Equal(t, 2, state.ConsecutiveFailures)
	assert.Contains(t, state.LastError, "connection refused")
	assert.Nil(t, state.LastSuccessAt)
	require.NotNil(t, state.LastPollAt)

	f.box.dialErr = nil
	state, err = f.poller.Cycle(ctx, f.account, state)
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.Empty(t, state.LastError)
}

func TestAPOPIsUsedWhenConfigured(t *testing.T) {
	f := newPollFixture(t, PollerConfig{})
	f.account.AuthMethod = models.AuthAPOP

	count, _, err := f.poller.Check(context.Background(), f.account)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, f.box.apop)
	assert.Equal(t, 1, f.box.quits)
}

func TestAPOPDigest(t *testing.T) {
	// Example from RFC 1939
	greeting := "+OK POP3 server ready <1896.697170952@dbc.mtview.ca.us>"
	ts := apopTimestamp(greeting)
	assert.Equal(t, "<1896.697170952@dbc.mtview.ca.us>", ts)
	assert.Equal(t, "c4c9334bac560ecc979e58001b3e22fb", apopDigest(ts, "tanstaaf"))

	assert.Empty(t, apopTimestamp("+OK ready"))
}

func TestResolvePOP3Server(t *testing.T) {
	dialCheck = func(host string, port int) bool { return host == "pop3.example.org" }
	t.Cleanup(func() { dialCheck = checkPOP3Server })

	host, port, useTLS, err := ResolvePOP3Server("someone@GMail.com")
	require.NoError(t, err)
	assert.Equal(t, "pop.gmail.com", host)
	assert.Equal(t, 995, port)
	assert.True(t, useTLS)

	host, _, _, err = ResolvePOP3Server("someone@example.org")
	require.NoError(t, err)
	assert.Equal(t, "pop3.example.org", host)

	_, _, _, err = ResolvePOP3Server("support")
	assert.Error(t, err)
}

// fakeCycler blocks each cycle until released
type fakeCycler struct {
	mu      sync.Mutex
	cycles  map[int64]int
	started chan int64
	release chan struct{}
}

func (c *fakeCycler) Cycle(ctx context.Context, account *models.MailAccount, state *models.MailAccountState) (*models.MailAccountState, error) {
	c.mu.Lock()
	c.cycles[account.ID]++
	c.mu.Unlock()
	c.started <- account.ID
	<-c.release
	next := *state
	next.LastMessageCount = 7
	return &next, nil
}

func (c *fakeCycler) count(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles[id]
}

func TestManagerLifecycle(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := &models.MailAccount{Host: "a.test", Username: "a", Enabled: true, PollIntervalSeconds: 3600}
	b := &models.MailAccount{Host: "b.test", Username: "b", Enabled: true, PollIntervalSeconds: 3600}
	require.NoError(t, db.CreateMailAccount(ctx, a))
	require.NoError(t, db.CreateMailAccount(ctx, b))

	cyc := &fakeCycler{cycles: make(map[int64]int), started: make(chan int64, 4), release: make(chan struct{})}
	m := newManager(cyc, db, time.Minute, logger)

	m.Sync([]*models.MailAccount{a})
	require.Equal(t, a.ID, <-cyc.started)
	assert.Equal(t, StatePolling, m.Status(a.ID))
	assert.Equal(t, StateStopped, m.Status(b.ID))

	// Disabling lets the in-flight cycle finish
	disabled := *a
	disabled.Enabled = false
	m.Sync([]*models.MailAccount{&disabled, b})
	assert.Equal(t, StateStopped, m.Status(a.ID))
	require.Equal(t, b.ID, <-cyc.started)

	close(cyc.release)
	require.Eventually(t, func() bool { return m.Status(b.ID) == StateRunning }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := db.GetAccountState(ctx, a.ID)
		return err == nil && st.LastMessageCount == 7
	}, time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Equal(t, 1, cyc.count(a.ID))
	assert.Equal(t, 1, cyc.count(b.ID))
	assert.ErrorIs(t, m.AddAccount(a), ErrShuttingDown)
}
