package email

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/mixelka/mailrelay/pkg/models"
)

// ErrAPOPUnsupported is returned when the server greeting carries no APOP timestamp
var ErrAPOPUnsupported = errors.New("server does not support APOP")

var apopTimestampRegex = regexp.MustCompile(`<[^<>\s]+@[^<>\s]+>`)

// pop3Connection is the part of the POP3 protocol the poller needs. DELE is
// deliberately absent: messages are never removed from the server.
type pop3Connection interface {
	Auth(user, password string) error
	APOP(user, password string) error
	Stat() (count, size int, err error)
	List(msgID int) ([]pop3.MessageID, error)
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

type connFactory func(ctx context.Context, account *models.MailAccount) (pop3Connection, error)

// ClientConfig configuration for POP3 connections
type ClientConfig struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	TLSConfig      *tls.Config // Optional, ServerName is filled in per account
}

// Client dials POP3 servers
type Client struct {
	config ClientConfig
	logger *slog.Logger
}

// NewClient creates a new POP3 client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	return &Client{
		config: cfg,
		logger: logger.With("component", "pop3_client"),
	}
}

// Connect dials the account's server and reads the greeting
func (c *Client) Connect(ctx context.Context, account *models.MailAccount) (pop3Connection, error) {
	host, port, useTLS := account.Host, account.Port, account.UseTLS
	if host == "" {
		var err error
		host, port, useTLS, err = ResolvePOP3Server(account.Username)
		if err != nil {
			return nil, err
		}
		c.logger.Info("resolved POP3 server", "account_id", account.ID, "host", host, "port", port)
	}
	if port == 0 {
		port = 110
		if useTLS {
			port = 995
		}
	}

	d := &recordingDialer{
		ctx:     ctx,
		timeout: c.config.DialTimeout,
	}
	if useTLS {
		cfg := &tls.Config{}
		if c.config.TLSConfig != nil {
			cfg = c.config.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		d.tlsConfig = cfg
	}

	// TLS is done by the dialer so the greeting can be recorded in clear text
	client := pop3.New(pop3.Opt{
		Host:        host,
		Port:        port,
		DialTimeout: c.config.DialTimeout,
		Dialer:      d,
	})

	c.logger.Debug("connecting to POP3 server", "account_id", account.ID, "server", net.JoinHostPort(host, strconv.Itoa(port)))
	conn, err := client.NewConn()
	if err != nil {
		if d.conn != nil {
			d.conn.Close()
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &timedConn{
		conn:    conn,
		raw:     d.conn,
		timeout: c.config.CommandTimeout,
	}, nil
}

// timedConn bounds every command with a deadline on the socket
type timedConn struct {
	conn    *pop3.Conn
	raw     *recordingConn
	timeout time.Duration
}

func (t *timedConn) arm() {
	_ = t.raw.SetDeadline(time.Now().Add(t.timeout))
}

func (t *timedConn) Auth(user, password string) error {
	t.arm()
	return t.conn.Auth(user, password)
}

func (t *timedConn) APOP(user, password string) error {
	ts := apopTimestamp(t.raw.greeting())
	if ts == "" {
		return ErrAPOPUnsupported
	}
	t.arm()
	_, err := t.conn.Cmd("APOP", false, user, apopDigest(ts, password))
	return err
}

func (t *timedConn) Stat() (int, int, error) {
	t.arm()
	return t.conn.Stat()
}

func (t *timedConn) List(msgID int) ([]pop3.MessageID, error) {
	t.arm()
	return t.conn.List(msgID)
}

func (t *timedConn) Uidl(msgID int) ([]pop3.MessageID, error) {
	t.arm()
	return t.conn.Uidl(msgID)
}

func (t *timedConn) RetrRaw(msgID int) (*bytes.Buffer, error) {
	t.arm()
	return t.conn.RetrRaw(msgID)
}

func (t *timedConn) Quit() error {
	t.arm()
	return t.conn.Quit()
}

// apopTimestamp extracts the <process-id.clock@hostname> banner part
func apopTimestamp(greeting string) string {
	return apopTimestampRegex.FindString(greeting)
}

// apopDigest computes the APOP digest, MD5 as mandated by RFC 1939
func apopDigest(timestamp, password string) string {
	sum := md5.Sum([]byte(timestamp + password))
	return hex.EncodeToString(sum[:])
}

// recordingDialer satisfies pop3.Dialer, doing TLS itself and keeping the
// connection so deadlines can be set and the greeting read back
type recordingDialer struct {
	ctx       context.Context
	timeout   time.Duration
	tlsConfig *tls.Config
	conn      *recordingConn
}

func (d *recordingDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout}
	raw, err := nd.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	_ = raw.SetDeadline(time.Now().Add(d.timeout))

	conn := raw
	if d.tlsConfig != nil {
		tc := tls.Client(raw, d.tlsConfig)
		if err := tc.HandshakeContext(d.ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}

	d.conn = &recordingConn{Conn: conn}
	return d.conn, nil
}

// recordingConn keeps the first line the server sends
type recordingConn struct {
	net.Conn

	mu   sync.Mutex
	buf  []byte
	done bool
}

const maxGreeting = 512

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if !c.done {
			c.buf = append(c.buf, p[:n]...)
			if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
				c.buf = c.buf[:i]
				c.done = true
			} else if len(c.buf) > maxGreeting {
				c.buf = c.buf[:maxGreeting]
				c.done = true
			}
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *recordingConn) greeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(bytes.TrimRight(c.buf, "\r"))
}
