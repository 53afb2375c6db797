package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/pkg/models"
)

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a 5xx reply or otherwise permanent
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}
	return false
}

// Deliver sends a job to its target once: MAIL, RCPT and DATA with the
// unmodified raw message
func (s *Sender) Deliver(ctx context.Context, job *models.RelayJob) error {
	target, err := s.db.GetRelayTargetByID(ctx, job.TargetID)
	if errors.Is(err, database.ErrNotFound) {
		return &PermanentError{Err: fmt.Errorf("relay target %d not found", job.TargetID)}
	}
	if err != nil {
		return err
	}
	if !target.Enabled {
		return &PermanentError{Err: fmt.Errorf("relay target %q is disabled", target.Name)}
	}

	var recipients []string
	if err := json.Unmarshal([]byte(job.Recipients), &recipients); err != nil {
		return &PermanentError{Err: fmt.Errorf("invalid recipients: %w", err)}
	}
	if len(recipients) == 0 {
		return &PermanentError{Err: errors.New("job has no recipients")}
	}

	return s.send(ctx, target, job.MailFrom, recipients, job.Raw)
}

func (s *Sender) send(ctx context.Context, target *models.RelayTarget, from string, recipients []string, raw []byte) error {
	conn, err := s.dial(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.SessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Unblocks the session when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, target.Host)
	if err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.cfg.HeloName); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if target.TLSMode == models.TLSModeSTARTTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("target %s does not offer STARTTLS", target.Address())
		}
		if err := client.StartTLS(s.tlsConfig(target.Host)); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if target.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", target.Username, target.Password)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("DATA write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}

	// The message is accepted at this point
	if err := client.Quit(); err != nil {
		s.logger.Debug("QUIT failed", "target", target.Address(), "error", err)
	}
	return nil
}

func (s *Sender) dial(ctx context.Context, target *models.RelayTarget) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}

	if target.TLSMode == models.TLSModeImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig(target.Host)}
		conn, err := td.DialContext(ctx, "tcp", target.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", target.Address(), err)
		}
		return conn, nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target.Address(), err)
	}
	return conn, nil
}

func (s *Sender) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{}
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
