// Package relay forwards outbound mail to downstream SMTP servers. Jobs are
// persisted before any attempt and retried with exponential backoff.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/metrics"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

// flushBatch is the number of jobs one target flush picks up at a time
const flushBatch = 20

// Config for outbound delivery
type Config struct {
	DialTimeout    time.Duration
	SessionTimeout time.Duration // Bound for one whole SMTP transaction
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	HeloName       string
	TLSConfig      *tls.Config // Optional, ServerName is filled in per target
}

// Job is one message leg to forward
type Job struct {
	MessageID  string
	CustomerID int64
	TargetID   int64
	MailFrom   string
	Recipients []string
	Raw        []byte
}

// Sender queues and delivers relay jobs
type Sender struct {
	db       *database.DB
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queues sync.Map // target id -> *queue

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	now func() time.Time
}

// queue serializes deliveries to one target
type queue struct {
	targetID int64
	running  atomic.Bool
	again    atomic.Bool
}

// NewSender creates a sender
func NewSender(db *database.DB, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Sender {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		db:       db,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "relay_sender"),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Enqueue persists a job and schedules an immediate asynchronous attempt.
// Enqueueing the same message leg twice is a no-op.
func (s *Sender) Enqueue(ctx context.Context, job Job) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}

	err = s.db.EnqueueRelayJob(ctx, &models.RelayJob{
		MessageID:  job.MessageID,
		CustomerID: job.CustomerID,
		TargetID:   job.TargetID,
		MailFrom:   job.MailFrom,
		Recipients: string(recipients),
		Raw:        job.Raw,
	})
	if errors.Is(err, database.ErrAlreadyExists) {
		s.logger.Debug("relay job already queued", "message_id", job.MessageID, "customer_id", job.CustomerID)
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("relay job queued",
		"message_id", job.MessageID,
		"customer_id", job.CustomerID,
		"target_id", job.TargetID,
		"recipients", len(job.Recipients),
	)
	s.kick(job.TargetID)
	return nil
}

// Sweep starts a flush for every target with due jobs and returns how many
// targets were kicked. Targets already being flushed are flushed once more.
func (s *Sender) Sweep(ctx context.Context) (int, error) {
	targets, err := s.db.GetDueRelayTargets(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range targets {
		s.kick(id)
	}
	return len(targets), nil
}

// Shutdown stops scheduling attempts and waits for running flushes. An
// attempt in flight is aborted when ctx is done.
func (s *Sender) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("relay sender did not drain: %w", ctx.Err())
	}
}

func (s *Sender) queueFor(targetID int64) *queue {
	v, _ := s.queues.LoadOrStore(targetID, &queue{targetID: targetID})
	return v.(*queue)
}

func (s *Sender) kick(targetID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	q := s.queueFor(targetID)
	q.again.Store(true)
	if q.running.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.run(q)
	}
}

func (s *Sender) run(q *queue) {
	defer s.wg.Done()
	for {
		q.again.Store(false)
		s.flush(q.targetID)
		q.running.Store(false)

		// A kick that raced with the end of the flush
		if !q.again.Load() || !q.running.CompareAndSwap(false, true) {
			return
		}
	}
}

// flush attempts every due job of a target
func (s *Sender) flush(targetID int64) {
	logger := s.logger.With("target_id", targetID)

	for {
		if s.isClosed() {
			return
		}

		jobs, err := s.db.GetDueRelayJobsForTarget(s.ctx, targetID, s.now(), flushBatch)
		if err != nil {
			logger.Error("failed to load due relay jobs", "error", err)
			return
		}
		if len(jobs) == 0 {
			return
		}

		progressed := 0
		for _, job := range jobs {
			if s.isClosed() {
				return
			}
			if s.attempt(s.ctx, job) {
				progressed++
			}
		}

		if len(jobs) < flushBatch {
			return
		}
		// The same jobs would be loaded again
		if progressed == 0 {
			logger.Error("no relay job changed state, stopping flush", "jobs", len(jobs))
			return
		}
	}
}

func (s *Sender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// attempt delivers a job once and records the result. It reports whether
// the job's new state was stored.
func (s *Sender) attempt(ctx context.Context, job *models.RelayJob) bool {
	logger := s.logger.With("job_id", job.ID, "message_id", job.MessageID, "customer_id", job.CustomerID)
	attempts := job.Attempts + 1

	err := s.Deliver(ctx, job)
	if err == nil {
		metrics.RelayDeliveries.WithLabelValues("sent").Inc()
		logger.Info("relay job delivered", "attempts", attempts)
		if err := s.db.MarkRelaySent(context.WithoutCancel(ctx), job.ID, attempts); err != nil {
			logger.Error("failed to mark relay job sent", "error", err)
			return false
		}
		return true
	}

	if ctx.Err() != nil {
		// Shutdown, not the target's fault
		logger.Info("relay attempt interrupted", "error", err)
		return false
	}

	if IsPermanent(err) || attempts >= s.cfg.MaxAttempts {
		metrics.RelayDeliveries.WithLabelValues("failed").Inc()
		logger.Error("relay job failed permanently", "attempts", attempts, "error", err)
		stored := true
		if err := s.db.MarkRelayFailed(ctx, job.ID, attempts, err.Error()); err != nil {
			logger.Error("failed to mark relay job failed", "error", err)
			stored = false
		}
		s.notifyFailure(ctx, logger, job, err)
		return stored
	}

	next := s.now().Add(Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempts))
	metrics.RelayDeliveries.WithLabelValues("retry").Inc()
	logger.Warn("relay attempt failed, will retry", "attempts", attempts, "next_attempt_at", next, "error", err)
	if err := s.db.MarkRelayRetry(ctx, job.ID, attempts, next, err.Error()); err != nil {
		logger.Error("failed to schedule relay retry", "error", err)
		return false
	}
	return true
}

func (s *Sender) notifyFailure(ctx context.Context, logger *slog.Logger, job *models.RelayJob, cause error) {
	customer, err := s.db.GetCustomerByID(ctx, job.CustomerID)
	if err != nil {
		logger.Error("failed to load customer for relay failure notification", "error", err)
		return
	}

	var recipients []string
	_ = json.Unmarshal([]byte(job.Recipients), &recipients)

	ev := notify.Event{
		Kind:         notify.KindRelayFailed,
		CustomerName: customer.Name,
		Direction:    models.DirectionOutbound,
		MessageID:    job.MessageID,
		From:         job.MailFrom,
		To:           strings.Join(recipients, ", "),
		Error:        cause.Error(),
		At:           s.now().UTC(),
	}
	if err := s.notifier.Notify(ctx, *customer, ev); err != nil {
		logger.Error("failed to send relay failure notification", "error", err)
	}
}

// Backoff returns base * 2^(attempts-1), capped at max
func Backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
