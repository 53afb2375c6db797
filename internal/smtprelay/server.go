// Package smtprelay accepts outbound mail from customers over SMTP, records it
// through the pipeline and queues it for forwarding.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/relay"
)

// Processor runs a message through the pipeline
type Processor interface {
	Process(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error)
}

// Enqueuer persists a forward
type Enqueuer interface {
	Enqueue(ctx context.Context, job relay.Job) error
}

// Directory provides the whitelist, relay users and targets
type Directory interface {
	Snapshot() *admin.Snapshot
}

// Config of the SMTP listener
type Config struct {
	ListenAddr      string
	Domain          string
	AuthRequired    bool
	RequireTLS      bool
	TLSConfig       *tls.Config // STARTTLS is offered when set
	MaxMessageBytes int
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PipelineTimeout time.Duration
}

// Deps are the collaborators of the server
type Deps struct {
	Pipeline  Processor
	Sender    Enqueuer
	Directory Directory
	Logger    *slog.Logger
}

// Server is the SMTP relay listener
type Server struct {
	cfg     Config
	srv     *smtp.Server
	backend *backend
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the SMTP relay server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	logger := deps.Logger.With("component", "smtp_relay")

	be := &backend{
		cfg:       cfg,
		pipeline:  deps.Pipeline,
		sender:    deps.Sender,
		directory: deps.Directory,
		logger:    logger,
	}

	srv := smtp.NewServer(be)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.TLSConfig = cfg.TLSConfig
	// AUTH is only offered over TLS when TLS is required
	srv.AllowInsecureAuth = !cfg.RequireTLS
	srv.ErrorLog = errorLog{logger: logger}

	srv.EnableAuth(sasl.Login, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			state := conn.State()
			session, err := be.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	return &Server{
		cfg:     cfg,
		srv:     srv,
		backend: be,
		logger:  logger,
	}
}

// ListenAndServe listens on the configured address
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("SMTP relay listening",
		"addr", l.Addr().String(),
		"auth_required", s.cfg.AuthRequired,
		"starttls", s.cfg.TLSConfig != nil,
	)

	err := s.srv.Serve(l)
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight DATA handlers
// and then drops the remaining connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.backend.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("smtp relay did not drain: %w", ctx.Err())
	}

	if cerr := s.srv.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	s.logger.Info("SMTP relay stopped")
	return err
}

// errorLog adapts go-smtp's logger to slog
type errorLog struct {
	logger *slog.Logger
}

func (l errorLog) Printf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l errorLog) Println(v ...interface{}) {
	l.logger.Warn(fmt.Sprint(v...))
}
