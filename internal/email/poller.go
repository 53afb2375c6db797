package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/dedup"
	"github.com/mixelka/mailrelay/internal/metrics"
	"github.com/mixelka/mailrelay/internal/parser"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/secret"
	"github.com/mixelka/mailrelay/pkg/models"
)

// Processor runs a message through the pipeline
type Processor interface {
	Process(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error)
}

// Directory provides the current whitelist
type Directory interface {
	Snapshot() *admin.Snapshot
}

// PollerConfig limits for a poll cycle
type PollerConfig struct {
	MaxMessageBytes int           // Larger messages are skipped, 0 = no limit
	PipelineTimeout time.Duration // Bound for one pipeline run
}

// PollerDeps are the collaborators of a Poller
type PollerDeps struct {
	DB        *database.DB
	Dedup     *dedup.Store
	Pipeline  Processor
	Directory Directory
	Secrets   *secret.Box
	Client    *Client
	Logger    *slog.Logger
}

// Poller runs POP3 poll cycles. It never deletes messages from the server.
type Poller struct {
	db        *database.DB
	dedup     *dedup.Store
	pipeline  Processor
	directory Directory
	secrets   *secret.Box
	dial      connFactory
	cfg       PollerConfig
	logger    *slog.Logger
}

// NewPoller creates a poller
func NewPoller(deps PollerDeps, cfg PollerConfig) *Poller {
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	p := &Poller{
		db:        deps.DB,
		dedup:     deps.Dedup,
		pipeline:  deps.Pipeline,
		directory: deps.Directory,
		secrets:   deps.Secrets,
		cfg:       cfg,
		logger:    deps.Logger.With("component", "pop3_poller"),
	}
	if deps.Client != nil {
		p.dial = deps.Client.Connect
	}
	return p
}

// Cycle polls the account once and returns its updated cursor. A returned
// error is transient: it is already counted in the cursor and the account is
// retried at the next tick.
func (p *Poller) Cycle(ctx context.Context, account *models.MailAccount, state *models.MailAccountState) (*models.MailAccountState, error) {
	next := models.MailAccountState{AccountID: account.ID}
	if state != nil {
		next = *state
	}

	now := time.Now().UTC()
	next.LastPollAt = &now

	count, size, err := p.poll(ctx, account)
	if err != nil {
		next.ConsecutiveFailures++
		next.LastError = err.Error()
		metrics.POP3Cycles.WithLabelValues("error").Inc()
		return &next, err
	}

	next.LastSuccessAt = &now
	next.LastMessageCount = count
	next.LastMailboxSize = size
	next.ConsecutiveFailures = 0
	next.LastError = ""
	metrics.POP3Cycles.WithLabelValues("ok").Inc()
	return &next, nil
}

// Check connects, authenticates and reports the mailbox size without
// touching any message
func (p *Poller) Check(ctx context.Context, account *models.MailAccount) (count, size int, err error) {
	logger := p.logger.With("account_id", account.ID, "account", account.Label())

	conn, err := p.open(ctx, account)
	if err != nil {
		return 0, 0, err
	}
	defer p.quit(logger, conn)

	count, size, err = conn.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("STAT failed: %w", err)
	}
	return count, size, nil
}

// open dials the server and authenticates
func (p *Poller) open(ctx context.Context, account *models.MailAccount) (pop3Connection, error) {
	password, err := p.secrets.Open(account.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	conn, err := p.dial(ctx, account)
	if err != nil {
		return nil, err
	}

	if account.AuthMethod == models.AuthAPOP {
		err = conn.APOP(account.Username, password)
	} else {
		err = conn.Auth(account.Username, password)
	}
	if err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return conn, nil
}

func (p *Poller) quit(logger *slog.Logger, conn pop3Connection) {
	if err := conn.Quit(); err != nil {
		logger.Debug("QUIT failed", "error", err)
	}
}

func (p *Poller) poll(ctx context.Context, account *models.MailAccount) (int, int, error) {
	logger := p.logger.With("account_id", account.ID, "account", account.Label())

	conn, err := p.open(ctx, account)
	if err != nil {
		return 0, 0, err
	}
	defer p.quit(logger, conn)

	count, size, err := conn.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("STAT failed: %w", err)
	}

	var listing []pop3.MessageID
	if count > 0 {
		listing, err = conn.List(0)
		if err != nil {
			return 0, 0, fmt.Errorf("LIST failed: %w", err)
		}
	}

	// UIDL is optional, without it dedup falls back to message ids
	uidls := make(map[int]string)
	uidlSupported := true
	if count > 0 {
		ids, err := conn.Uidl(0)
		if err != nil {
			logger.Debug("UIDL not available", "error", err)
			uidlSupported = false
		}
		for _, id := range ids {
			uidls[id.ID] = id.UID
		}
	}

	seen, err := p.db.GetSeenUIDLs(ctx, account.ID)
	if err != nil {
		return 0, 0, err
	}

	handled := 0
	for _, m := range listing {
		if ctx.Err() != nil {
			logger.Info("poll interrupted", "handled", handled, "listed", len(listing))
			return count, size, nil
		}

		uidl := uidls[m.ID]
		if uidl != "" && seen[uidl] {
			continue
		}

		if err := p.handle(ctx, logger, account, conn, m, uidl); err != nil {
			return 0, 0, err
		}
		handled++
	}

	if uidlSupported {
		present := make(map[string]bool, len(uidls))
		for _, u := range uidls {
			present[u] = true
		}
		removed, err := p.db.PruneSeenUIDLs(ctx, account.ID, present)
		if err != nil {
			logger.Warn("failed to prune seen uidls", "error", err)
		} else if removed > 0 {
			logger.Debug("pruned seen uidls", "count", removed)
		}
	}

	if handled > 0 {
		logger.Info("poll finished", "handled", handled, "count", count)
	}
	return count, size, nil
}

// handle processes one listed message. Returned errors abort the cycle.
func (p *Poller) handle(ctx context.Context, logger *slog.Logger, account *models.MailAccount, conn pop3Connection, m pop3.MessageID, uidl string) error {
	logger = logger.With("msg_num", m.ID, "uidl", uidl)

	if p.cfg.MaxMessageBytes > 0 && m.Size > p.cfg.MaxMessageBytes {
		logger.Warn("skipping oversize message", "size", m.Size, "limit", p.cfg.MaxMessageBytes)
		p.markSeen(ctx, logger, account.ID, uidl, "oversize")
		return nil
	}

	buf, err := conn.RetrRaw(m.ID)
	if err != nil {
		return fmt.Errorf("RETR %d failed: %w", m.ID, err)
	}
	raw := buf.Bytes()

	h, err := parser.ParseHeaders(raw)
	if err != nil {
		logger.Warn("skipping unparsable message", "error", err)
		p.markSeen(ctx, logger, account.ID, uidl, "unparsable")
		return nil
	}

	messageID := h.MessageID()
	if messageID == "" {
		messageID = parser.SynthesizeMessageID(account.Host, raw)
	}
	logger = logger.With("message_id", messageID)

	seen, err := p.dedup.Seen(ctx, messageID)
	if err != nil {
		return err
	}
	if seen {
		metrics.DedupHits.WithLabelValues("pop3").Inc()
		p.markSeen(ctx, logger, account.ID, uidl, "duplicate")
		return nil
	}

	customer, addr, ok := p.directory.Snapshot().FirstWhitelisted(h.Candidates())
	if !ok {
		_, err := p.dedup.MarkUnwhitelisted(ctx, dedup.Reservation{
			MessageID: messageID,
			Direction: models.DirectionInbound,
			From:      h.From(),
			To:        h.To(),
			Subject:   h.Subject(),
		})
		if err != nil {
			return err
		}
		logger.Debug("sender not whitelisted", "from", h.From())
		p.markSeen(ctx, logger, account.ID, uidl, "unwhitelisted")
		return nil
	}

	// The run is detached so shutdown lets the current message finish
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PipelineTimeout)
	defer cancel()

	outcome, err := p.pipeline.Process(pctx, pipeline.Input{
		CustomerID: customer.ID,
		Direction:  models.DirectionInbound,
		Raw:        raw,
		MessageID:  messageID,
		Envelope:   pipeline.Envelope{From: h.From(), To: h.To()},
	})
	if err != nil {
		// Left unseen, retried next cycle
		logger.Error("pipeline failed", "error", err, "customer_id", customer.ID)
		metrics.POP3Messages.WithLabelValues("failed").Inc()
		return nil
	}

	logger.Info("message processed", "customer_id", customer.ID, "matched", addr, "outcome", outcome.String())
	p.markSeen(ctx, logger, account.ID, uidl, string(outcome.Kind))
	return nil
}

func (p *Poller) markSeen(ctx context.Context, logger *slog.Logger, accountID int64, uidl, disposition string) {
	metrics.POP3Messages.WithLabelValues(disposition).Inc()
	if uidl == "" {
		return
	}
	if err := p.db.MarkUIDLSeen(context.WithoutCancel(ctx), accountID, uidl); err != nil {
		logger.Warn("failed to mark uidl seen", "error", err)
	}
}
