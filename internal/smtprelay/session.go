package smtprelay

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mixelka/mailrelay/internal/metrics"
	"github.com/mixelka/mailrelay/internal/parser"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/relay"
	"github.com/mixelka/mailrelay/pkg/models"
)

var (
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errTLSRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Must issue a STARTTLS command first",
	}
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient is not a known customer address",
	}
	errMalformed = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message headers could not be parsed",
	}
	errNoTarget = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "No relay route configured, try again later",
	}
	errQueue = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Message could not be queued, try again later",
	}
)

// backend implements smtp.Backend
type backend struct {
	cfg       Config
	pipeline  Processor
	sender    Enqueuer
	directory Directory
	logger    *slog.Logger
	inflight  sync.WaitGroup
}

// Login authenticates a relay user (AUTH PLAIN and LOGIN)
func (b *backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if b.cfg.RequireTLS && !tlsActive(state) {
		metrics.SMTPRejections.WithLabelValues("tls_required").Inc()
		return nil, errTLSRequired
	}

	user, ok := b.directory.Snapshot().RelayUsers[username]
	if !ok || !user.Enabled || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		metrics.SMTPRejections.WithLabelValues("auth").Inc()
		b.logger.Warn("SMTP authentication failed", "username", username, "remote", remoteAddr(state))
		return nil, errAuthFailed
	}

	return b.newSession(state, username), nil
}

// AnonymousLogin is called on MAIL without a prior AUTH
func (b *backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if b.cfg.RequireTLS && !tlsActive(state) {
		metrics.SMTPRejections.WithLabelValues("tls_required").Inc()
		return nil, errTLSRequired
	}
	if b.cfg.AuthRequired {
		metrics.SMTPRejections.WithLabelValues("auth_required").Inc()
		return nil, errAuthRequired
	}
	return b.newSession(state, ""), nil
}

func (b *backend) newSession(state *smtp.ConnectionState, username string) *session {
	id := uuid.NewString()
	metrics.SMTPSessions.Inc()

	logger := b.logger.With("session_id", id, "remote", remoteAddr(state))
	if username != "" {
		logger = logger.With("relay_user", username)
	}
	logger.Debug("SMTP session started")

	return &session{
		backend: b,
		id:      id,
		user:    username,
		logger:  logger,
		legs:    make(map[int64][]string),
	}
}

// session is one SMTP transaction sequence on a connection
type session struct {
	backend *backend
	id      string
	user    string
	logger  *slog.Logger

	from  string
	legs  map[int64][]string // customer id -> accepted recipients
	order []int64
}

func (s *session) Mail(from string, opts smtp.MailOptions) error {
	s.Reset()
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	customer, ok := s.backend.directory.Snapshot().CustomerFor(to)
	if !ok {
		metrics.SMTPRejections.WithLabelValues("unknown_recipient").Inc()
		s.logger.Info("recipient rejected", "rcpt", to)
		return errUnknownRecipient
	}

	if _, exists := s.legs[customer.ID]; !exists {
		s.order = append(s.order, customer.ID)
	}
	s.legs[customer.ID] = append(s.legs[customer.ID], to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	s.backend.inflight.Add(1)
	defer s.backend.inflight.Done()

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	h, err := parser.ParseHeaders(raw)
	if err != nil {
		metrics.SMTPRejections.WithLabelValues("malformed").Inc()
		s.logger.Warn("rejecting unparsable message", "error", err)
		return errMalformed
	}

	// Route every leg before anything is recorded
	snap := s.backend.directory.Snapshot()
	targets := make(map[int64]*models.RelayTarget, len(s.order))
	for _, customerID := range s.order {
		target := snap.TargetFor(customerID, s.user)
		if target == nil {
			metrics.SMTPRejections.WithLabelValues("no_target").Inc()
			s.logger.Error("no relay target", "customer_id", customerID)
			return errNoTarget
		}
		targets[customerID] = target
	}

	messageID := h.MessageID()
	if messageID == "" {
		messageID = parser.SynthesizeMessageID(s.backend.cfg.Domain,
			[]byte(s.from),
			[]byte(strings.Join(s.recipients(), ",")),
			raw,
			[]byte(time.Now().UTC().Format(time.RFC3339Nano)),
		)
	}
	logger := s.logger.With("message_id", messageID)

	// Detached so shutdown lets the message finish
	ctx, cancel := context.WithTimeout(context.Background(), s.backend.cfg.PipelineTimeout)
	defer cancel()

	for _, customerID := range s.order {
		rcpts := s.legs[customerID]
		legLogger := logger.With("customer_id", customerID)

		outcome, err := s.backend.pipeline.Process(ctx, pipeline.Input{
			CustomerID: customerID,
			Direction:  models.DirectionOutbound,
			Raw:        raw,
			MessageID:  messageID,
			Envelope:   pipeline.Envelope{From: s.from, To: rcpts},
		})
		if err != nil {
			// Forwarded anyway, mail is never lost
			legLogger.Error("pipeline failed, forwarding anyway", "error", err)
		} else {
			legLogger.Info("outbound message processed", "outcome", outcome.String())
		}

		err = s.backend.sender.Enqueue(ctx, relay.Job{
			MessageID:  messageID,
			CustomerID: customerID,
			TargetID:   targets[customerID].ID,
			MailFrom:   s.from,
			Recipients: rcpts,
			Raw:        raw,
		})
		if err != nil {
			legLogger.Error("failed to queue relay job", "error", err)
			return errQueue
		}
	}

	return nil
}

func (s *session) recipients() []string {
	var out []string
	for _, id := range s.order {
		out = append(out, s.legs[id]...)
	}
	return out
}

func (s *session) Reset() {
	s.from = ""
	s.legs = make(map[int64][]string)
	s.order = nil
}

func (s *session) Logout() error {
	s.logger.Debug("SMTP session ended")
	return nil
}

func tlsActive(state *smtp.ConnectionState) bool {
	return state != nil && state.TLS.HandshakeComplete
}

func remoteAddr(state *smtp.ConnectionState) string {
	if state == nil || state.RemoteAddr == nil {
		return ""
	}
	return state.RemoteAddr.String()
}
