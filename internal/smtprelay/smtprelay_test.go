package smtprelay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/relay"
	"github.com/mixelka/mailrelay/pkg/models"
)

type fakeProcessor struct {
	mu     sync.Mutex
	inputs []pipeline.Input
	err    error
}

func (p *fakeProcessor) Process(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return pipeline.Outcome{}, p.err
	}
	return pipeline.Outcome{Kind: pipeline.KindSuccess}, nil
}

func (p *fakeProcessor) all() []pipeline.Input {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Input(nil), p.inputs...)
}

type fakeSender struct {
	mu   sync.Mutex
	jobs []relay.Job
}

func (s *fakeSender) Enqueue(ctx context.Context, job relay.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeSender) all() []relay.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Job(nil), s.jobs...)
}

type serverFixture struct {
	db        *database.DB
	addr      string
	processor *fakeProcessor
	sender    *fakeSender
	acme      *models.Customer
	globex    *models.Customer
	target    *models.RelayTarget
}

func newServerFixture(t *testing.T, withTarget bool, opts ...func(*Config)) *serverFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := dbtest.New(t)
	f := &serverFixture{
		db:        db,
		processor: &fakeProcessor{},
		sender:    &fakeSender{},
		acme:      dbtest.Customer(t, db, "acme", "client@acme.test"),
		globex:    dbtest.Customer(t, db, "globex", "boss@globex.test"),
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.CreateRelayUser(ctx, &models.RelayUser{Username: "support", PasswordHash: string(hash), Enabled: true}))

	if withTarget {
		f.target = &models.RelayTarget{Name: "default", Host: "smtp.upstream.test", TLSMode: models.TLSModeNone, Enabled: true}
		require.NoError(t, db.CreateRelayTarget(ctx, f.target))
	}

	provider := admin.NewProvider(db, logger)
	require.NoError(t, provider.Refresh(ctx))

	cfg := Config{
		Domain:          "relay.test",
		AuthRequired:    true,
		MaxRecipients:   10,
		MaxMessageBytes: 1 << 20,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := NewServer(cfg, Deps{
		Pipeline:  f.processor,
		Sender:    f.sender,
		Directory: provider,
		Logger:    logger,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = l.Addr().String()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		assert.NoError(t, <-served)
	})
	return f
}

func (f *serverFixture) dial(t *testing.T) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Hello("client.test"))
	return c
}

func (f *serverFixture) login(t *testing.T) *smtp.Client {
	t.Helper()
	c := f.dial(t)
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "support", "s3cret")))
	return c
}

func replyCode(err error) int {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return 0
}

func sendData(t *testing.T, c *smtp.Client, raw string) error {
	t.Helper()
	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, raw)
	require.NoError(t, err)
	return w.Close()
}

const outboundMessage = "From: support@us.test\r\n" +
	"To: client@acme.test, nobody@nowhere.test\r\n" +
	"Subject: Your order\r\n" +
	"Message-ID: <out-1@us.test>\r\n" +
	"\r\n" +
	"It shipped.\r\n"

func TestTwoRecipientsPartialAccept(t *testing.T) {
	f := newServerFixture(t, true)
	c := f.login(t)

	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	err := c.Rcpt("nobody@nowhere.test")
	require.Error(t, err)
	assert.Equal(t, 550, replyCode(err))
	require.NoError(t, sendData(t, c, outboundMessage))
	require.NoError(t, c.Quit())

	inputs := f.processor.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, f.acme.ID, inputs[0].CustomerID)
	assert.Equal(t, models.DirectionOutbound, inputs[0].Direction)
	assert.Equal(t, "out-1@us.test", inputs[0].MessageID)
	assert.Equal(t, []string{"client@acme.test"}, inputs[0].Envelope.To)

	jobs := f.sender.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, f.target.ID, jobs[0].TargetID)
	assert.Equal(t, f.acme.ID, jobs[0].CustomerID)
	assert.Equal(t, []string{"client@acme.test"}, jobs[0].Recipients)
	assert.Equal(t, outboundMessage, string(jobs[0].Raw))
}

func TestRecipientsAreGroupedByCustomer(t *testing.T) {
	f := newServerFixture(t, true)
	c := f.login(t)

	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	require.NoError(t, c.Rcpt("boss@globex.test"))
	require.NoError(t, c.Rcpt("CLIENT@acme.test"))
	require.NoError(t, sendData(t, c, "From: support@us.test\r\nSubject: Both\r\n\r\nHi\r\n"))

	jobs := f.sender.all()
	require.Len(t, jobs, 2)
	assert.Equal(t, f.acme.ID, jobs[0].CustomerID)
	assert.Len(t, jobs[0].Recipients, 2)
	assert.Equal(t, f.globex.ID, jobs[1].CustomerID)

	// Without a Message-ID both legs share one synthesized id
	assert.NotEmpty(t, jobs[0].MessageID)
	assert.Equal(t, jobs[0].MessageID, jobs[1].MessageID)
	assert.Contains(t, jobs[0].MessageID, "@relay.test")
}

func TestAuthFailureHasNoSideEffects(t *testing.T) {
	f := newServerFixture(t, true)
	c := f.dial(t)

	err := c.Auth(sasl.NewPlainClient("", "support", "wrong"))
	require.Error(t, err)
	assert.Equal(t, 535, replyCode(err))

	// The client hangs up after a failed AUTH, so try MAIL on a new connection
	c = f.dial(t)
	err = c.Mail("support@us.test", nil)
	require.Error(t, err)
	assert.Equal(t, 530, replyCode(err))

	assert.Empty(t, f.processor.all())
	assert.Empty(t, f.sender.all())
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestRequireTLS(t *testing.T) {
	f := newServerFixture(t, true, func(c *Config) {
		c.RequireTLS = true
		c.TLSConfig = selfSignedTLS(t)
	})

	c := f.dial(t)
	ok, _ := c.Extension("STARTTLS")
	assert.True(t, ok)
	ok, _ = c.Extension("AUTH")
	assert.False(t, ok, "AUTH must not be offered before STARTTLS")

	err := c.Auth(sasl.NewPlainClient("", "support", "s3cret"))
	require.Error(t, err)
	assert.GreaterOrEqual(t, replyCode(err), 500)

	// The client hangs up after a failed AUTH, so continue on a new connection
	c = f.dial(t)
	err = c.Mail("support@us.test", nil)
	require.Error(t, err)
	assert.Equal(t, 530, replyCode(err))
	assert.Contains(t, err.Error(), "STARTTLS")

	require.NoError(t, c.StartTLS(&tls.Config{InsecureSkipVerify: true}))
	ok, _ = c.Extension("AUTH")
	assert.True(t, ok)
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "support", "s3cret")))
	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	require.NoError(t, sendData(t, c, outboundMessage))
	require.NoError(t, c.Quit())

	assert.Len(t, f.processor.all(), 1)
	assert.Len(t, f.sender.all(), 1)
}

func TestUnparsableMessageIsRejected(t *testing.T) {
	f := newServerFixture(t, true)
	c := f.login(t)

	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	err := sendData(t, c, "this is not a header line\r\n\r\nbody\r\n")
	require.Error(t, err)
	assert.Equal(t, 554, replyCode(err))
	assert.Empty(t, f.processor.all())
}

func TestMissingTargetIsTemporary(t *testing.T) {
	f := newServerFixture(t, false)
	c := f.login(t)

	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	err := sendData(t, c, outboundMessage)
	require.Error(t, err)
	assert.Equal(t, 451, replyCode(err))
	assert.Empty(t, f.processor.all())
	assert.Empty(t, f.sender.all())
}

func TestPipelineFailureStillForwards(t *testing.T) {
	f := newServerFixture(t, true)
	f.processor.err = errors.New("database is locked")
	c := f.login(t)

	require.NoError(t, c.Mail("support@us.test", nil))
	require.NoError(t, c.Rcpt("client@acme.test"))
	require.NoError(t, sendData(t, c, outboundMessage))

	assert.Len(t, f.sender.all(), 1)
}
