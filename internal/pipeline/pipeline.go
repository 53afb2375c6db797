// Package pipeline is the shared processing sequence both ingress points
// funnel through: dedup, extraction, summarization, threading, persistence
// and the archival/notification fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailrelay/internal/archive"
	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/dedup"
	"github.com/mixelka/mailrelay/internal/extract"
	"github.com/mixelka/mailrelay/internal/metrics"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/internal/parser"
	"github.com/mixelka/mailrelay/internal/summarize"
	"github.com/mixelka/mailrelay/internal/thread"
	"github.com/mixelka/mailrelay/pkg/models"
)

// bodyPreviewChars is the length of the stored body preview
const bodyPreviewChars = 500

// Envelope is the SMTP envelope of an outbound message
type Envelope struct {
	From string
	To   []string
}

// Input is one message for one customer
type Input struct {
	CustomerID int64
	Direction  models.Direction
	Raw        []byte
	MessageID  string // Already normalized or synthesized by the ingress point
	Envelope   Envelope
}

// Config bounds the pipeline stages
type Config struct {
	MaxAttachmentBytes int64
	SummaryCharBudget  int
	ContextSize        int
	StageTimeout       time.Duration
}

// Deps are the collaborators of the pipeline
type Deps struct {
	DB         *database.DB
	Dedup      *dedup.Store
	Resolver   *thread.Resolver
	Extractor  extract.Extractor
	Summarizer summarize.Summarizer
	Archivers  []archive.Archiver
	Notifier   notify.Notifier
	Logger     *slog.Logger
}

// Pipeline processes messages
type Pipeline struct {
	db         *database.DB
	dedup      *dedup.Store
	resolver   *thread.Resolver
	extractor  extract.Extractor
	summarizer summarize.Summarizer
	archivers  []archive.Archiver
	notifier   notify.Notifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a pipeline
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.SummaryCharBudget <= 0 {
		cfg.SummaryCharBudget = 20000
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = thread.DefaultContextSize
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = time.Minute
	}
	p := &Pipeline{
		db:         deps.DB,
		dedup:      deps.Dedup,
		resolver:   deps.Resolver,
		extractor:  deps.Extractor,
		summarizer: deps.Summarizer,
		archivers:  deps.Archivers,
		notifier:   deps.Notifier,
		cfg:        cfg,
		logger:     deps.Logger.With("component", "pipeline"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if p.summarizer == nil {
		p.summarizer = summarize.Noop{}
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	return p
}

// run carries the state of one invocation
type run struct {
	in       Input
	customer *models.Customer
	msg      *parser.Message
	texts    []string
	summary  summarize.Summary
	failures []StageFailure
	logger   *slog.Logger
}

// Process runs a message through every stage. A returned error is fatal:
// nothing was committed and the reservation, if any, was released.
func (p *Pipeline) Process(ctx context.Context, in Input) (Outcome, error) {
	start := time.Now()
	r := &run{
		in: in,
		logger: p.logger.With(
			"run_id", uuid.NewString(),
			"message_id", in.MessageID,
			"customer_id", in.CustomerID,
			"direction", in.Direction,
		),
	}

	out, err := p.process(ctx, r)

	metrics.PipelineDuration.WithLabelValues(string(in.Direction)).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.PipelineOutcomes.WithLabelValues(string(in.Direction), "fatal").Inc()
		r.logger.Error("pipeline failed", "error", err)
	default:
		label := string(out.Kind)
		if out.Kind == KindRejected {
			label += "_" + string(out.Reason)
		}
		metrics.PipelineOutcomes.WithLabelValues(string(in.Direction), label).Inc()
		r.logger.Info("pipeline finished", "outcome", out.String(), "thread_id", out.ThreadID)
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, r *run) (Outcome, error) {
	if r.in.MessageID == "" {
		return Outcome{}, errors.New("empty message id")
	}

	customer, err := p.db.GetCustomerByID(ctx, r.in.CustomerID)
	if errors.Is(err, database.ErrNotFound) {
		return rejected(ReasonUnknownCustomer), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	r.customer = customer

	msg, err := parser.Parse(r.in.Raw, parser.Options{MaxAttachmentBytes: p.cfg.MaxAttachmentBytes})
	if err != nil {
		return rejected(ReasonMalformed), nil
	}
	msg.Headers = msg.Headers.WithMessageID(r.in.MessageID)
	r.msg = msg

	h := msg.Headers
	res, err := p.dedup.Reserve(ctx, dedup.Reservation{
		MessageID:  r.in.MessageID,
		CustomerID: r.in.CustomerID,
		Direction:  r.in.Direction,
		From:       h.From(),
		To:         append(h.To(), h.Cc()...),
		Subject:    h.Subject(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve: %w", err)
	}
	if res == dedup.AlreadyProcessed {
		metrics.DedupHits.WithLabelValues("pipeline").Inc()
		return rejected(ReasonAlreadyProcessed), nil
	}

	out, err := p.commit(ctx, r)
	if err != nil {
		// Fresh context: ctx may be the reason we failed
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := p.dedup.Release(releaseCtx, r.in.MessageID, r.in.CustomerID); rerr != nil {
			r.logger.Error("failed to release reservation", "error", rerr)
		}
		return Outcome{}, err
	}

	p.fanOut(ctx, r, out.ThreadID)

	out.Failures = r.failures
	if len(out.Failures) > 0 {
		out.Kind = KindPartialFailure
	}
	return out, nil
}

// commit runs the stages between reservation and persistence
func (p *Pipeline) commit(ctx context.Context, r *run) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	p.extractAttachments(ctx, r)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	p.summarize(ctx, r)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return p.persist(ctx, r)
}

func (p *Pipeline) extractAttachments(ctx context.Context, r *run) {
	for _, att := range r.msg.Attachments {
		if att.Oversize {
			p.recordFailure(ctx, r, StageExtract, &extract.Error{Filename: att.Filename, Kind: extract.ErrTooLarge})
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		text, err := p.extractor.Extract(sctx, extract.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Data:        att.Data,
		})
		cancel()

		switch {
		case errors.Is(err, extract.ErrUnsupported):
			r.logger.Debug("attachment type not supported", "filename", att.Filename, "content_type", att.ContentType)
		case err != nil:
			p.recordFailure(ctx, r, StageExtract, err)
		case text != "":
			r.texts = append(r.texts, fmt.Sprintf("=== Attachment: %s ===\n%s", att.Filename, text))
		}
	}
}

func (p *Pipeline) summarize(ctx context.Context, r *run) {
	rc := summarize.RoleContext{
		CustomerName: r.customer.Name,
		Direction:    r.in.Direction,
		From:         r.msg.Headers.From(),
		Subject:      r.msg.Headers.Subject(),
	}

	if match, ok, err := thread.Match(ctx, p.db, r.in.CustomerID, r.msg.Headers); err != nil {
		r.logger.Warn("failed to look up thread context", "error", err)
	} else if ok {
		history, err := p.resolver.Context(ctx, match.ThreadID, p.cfg.ContextSize)
		if err != nil {
			r.logger.Warn("failed to load thread context", "error", err)
		}
		rc.History = history
	}

	parts := append([]string{r.msg.Text}, r.texts...)
	input := extract.Truncate(strings.Join(parts, "\n\n"), p.cfg.SummaryCharBudget)

	summary, err := p.summarizer.Summarize(ctx, input, rc)
	if err != nil {
		p.recordFailure(ctx, r, StageSummarize, err)
		return
	}
	r.summary = summary
}

// persist resolves the thread, appends the message and completes the
// reservation in one transaction
func (p *Pipeline) persist(ctx context.Context, r *run) (Outcome, error) {
	h := r.msg.Headers
	now := p.now()

	date := h.Date()
	if date.IsZero() {
		date = now
	}

	var out Outcome
	err := p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := thread.ResolveTx(ctx, tx, r.in.CustomerID, h, now)
		if err != nil {
			return fmt.Errorf("resolve thread: %w", err)
		}

		e := &models.ThreadEmail{
			ThreadID:    res.ThreadID,
			CustomerID:  r.in.CustomerID,
			MessageID:   h.MessageID(),
			InReplyTo:   h.InReplyTo(),
			References:  strings.Join(h.References(), " "),
			Direction:   r.in.Direction,
			FromAddress: h.From(),
			ToAddresses: strings.Join(h.To(), ", "),
			CcAddresses: strings.Join(h.Cc(), ", "),
			Subject:     h.Subject(),
			BodyPreview: preview(r.msg.Text),
			Summary:     r.summary.Text,
			EmailDate:   date.UTC(),
			ProcessedAt: now,
		}
		if err := thread.Append(ctx, tx, e, now); err != nil {
			return err
		}
		if err := p.dedup.Complete(ctx, tx, r.in.MessageID, r.in.CustomerID, res.ThreadID); err != nil {
			return fmt.Errorf("complete: %w", err)
		}

		out = Outcome{Kind: KindSuccess, ThreadID: res.ThreadID, ThreadCreated: res.Created}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("persist: %w", err)
	}

	r.logger.Debug("message persisted", "thread_id", out.ThreadID, "thread_created", out.ThreadCreated)
	return out, nil
}

// fanOut runs every archiver and the notifier concurrently and waits for
// them. Each archiver fails on its own stage.
func (p *Pipeline) fanOut(ctx context.Context, r *run, threadID int64) {
	if err := ctx.Err(); err != nil {
		// Leave a record so the archive retry job picks the message up
		for _, a := range p.archivers {
			p.recordFailure(context.WithoutCancel(ctx), r, ArchiveStage(a.Name()), fmt.Errorf("skipped: %w", err))
		}
		return
	}

	e, err := p.db.GetThreadEmailByMessageID(ctx, r.in.CustomerID, r.in.MessageID)
	if err != nil {
		for _, a := range p.archivers {
			p.recordFailure(ctx, r, ArchiveStage(a.Name()), err)
		}
		return
	}

	item := archive.Item{
		Email:      *e,
		Body:       r.msg.Text,
		IssueTitle: r.summary.IssueTitle,
		IssueBody:  r.summary.IssueBody,
	}
	for _, att := range r.msg.Attachments {
		if att.Oversize {
			continue
		}
		item.Files = append(item.Files, archive.File{Name: att.Filename, Data: att.Data})
	}

	ev := notify.Event{
		Kind:         notify.KindNewEmail,
		CustomerName: r.customer.Name,
		Direction:    r.in.Direction,
		MessageID:    r.in.MessageID,
		ThreadID:     threadID,
		From:         e.FromAddress,
		To:           e.ToAddresses,
		Subject:      e.Subject,
		Summary:      r.summary.Text,
		At:           e.EmailDate,
	}

	var (
		wg          sync.WaitGroup
		archiveErrs = make([]error, len(p.archivers))
		notifyErr   error
	)
	for i, a := range p.archivers {
		wg.Add(1)
		go func(i int, a archive.Archiver) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
			defer cancel()
			archiveErrs[i] = a.Archive(sctx, *r.customer, item)
		}(i, a)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
		notifyErr = p.notifier.Notify(sctx, *r.customer, ev)
	}()
	wg.Wait()

	for i, err := range archiveErrs {
		if err != nil {
			p.recordFailure(ctx, r, ArchiveStage(p.archivers[i].Name()), err)
		}
	}
	if notifyErr != nil {
		p.recordFailure(ctx, r, StageNotify, notifyErr)
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, r *run, stage Stage, cause error) {
	r.failures = append(r.failures, StageFailure{Stage: stage, Cause: cause})
	metrics.StageFailures.WithLabelValues(string(stage)).Inc()
	r.logger.Warn("stage failed", "stage", stage, "error", cause)

	err := p.db.RecordStageFailure(context.WithoutCancel(ctx), &models.StageFailure{
		MessageID:  r.in.MessageID,
		CustomerID: r.in.CustomerID,
		Stage:      string(stage),
		Error:      cause.Error(),
	})
	if err != nil {
		r.logger.Error("failed to record stage failure", "stage", stage, "error", err)
	}
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= bodyPreviewChars {
		return text
	}
	return string(runes[:bodyPreviewChars])
}
