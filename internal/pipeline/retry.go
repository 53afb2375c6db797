package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mixelka/mailrelay/internal/archive"
	"github.com/mixelka/mailrelay/internal/database"
)

// retryBatch is the number of archive failures retried per archiver and run
const retryBatch = 50

// RetryArchives re-runs the archivers that failed for a message. Only the
// failed archiver is retried. The item is rebuilt from the stored thread
// email, so it carries the body preview and no attachments. It returns the
// number of resolved failures.
func (p *Pipeline) RetryArchives(ctx context.Context) (int, error) {
	resolved := 0
	for _, a := range p.archivers {
		n, err := p.retryArchiver(ctx, a)
		resolved += n
		if err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

func (p *Pipeline) retryArchiver(ctx context.Context, a archive.Archiver) (int, error) {
	failures, err := p.db.GetOpenStageFailures(ctx, string(ArchiveStage(a.Name())), retryBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	// message/customer -> archived, so duplicate failure rows share one attempt
	attempted := make(map[string]bool)
	for _, f := range failures {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		key := fmt.Sprintf("%d/%s", f.CustomerID, f.MessageID)
		ok, seen := attempted[key]
		if !seen {
			ok = p.retryArchive(ctx, a, f.ID, f.CustomerID, f.MessageID)
			attempted[key] = ok
		}
		if !ok {
			continue
		}

		if err := p.db.ResolveStageFailure(ctx, f.ID); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (p *Pipeline) retryArchive(ctx context.Context, a archive.Archiver, failureID, customerID int64, messageID string) bool {
	logger := p.logger.With("message_id", messageID, "customer_id", customerID, "failure_id", failureID, "archiver", a.Name())

	customer, err := p.db.GetCustomerByID(ctx, customerID)
	if err != nil {
		logger.Warn("archive retry: customer lookup failed", "error", err)
		return false
	}

	e, err := p.db.GetThreadEmailByMessageID(ctx, customerID, messageID)
	if errors.Is(err, database.ErrNotFound) {
		// Nothing was committed, nothing to archive
		logger.Warn("archive retry: thread email missing, dropping failure")
		return true
	}
	if err != nil {
		logger.Warn("archive retry: lookup failed", "error", err)
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	if err := a.Archive(sctx, *customer, archive.Item{Email: *e, Body: e.BodyPreview}); err != nil {
		logger.Warn("archive retry failed", "error", err)
		return false
	}
	logger.Info("archive retry succeeded")
	return true
}
