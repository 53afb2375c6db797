// Package thread stitches inbound and outbound messages into per-customer
// conversation threads.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/parser"
	"github.com/mixelka/mailrelay/pkg/models"
)

// DefaultContextSize is the number of recent emails handed to the summarizer
const DefaultContextSize = 10

// MatchedBy names the rule that selected a thread
type MatchedBy string

const (
	MatchedMessageID MatchedBy = "message_id"
	MatchedInReplyTo MatchedBy = "in_reply_to"
	MatchedReference MatchedBy = "references"
	MatchedSubject   MatchedBy = "subject"
	MatchedCreated   MatchedBy = "created"
)

// Resolution is the outcome of resolving a message to a thread
type Resolution struct {
	ThreadID  int64
	Created   bool
	MatchedBy MatchedBy
}

// Resolver assigns messages to threads
type Resolver struct {
	db *database.DB
}

// NewResolver creates a resolver
func NewResolver(db *database.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve finds or creates the thread for a message in its own transaction
func (r *Resolver) Resolve(ctx context.Context, customerID int64, h parser.Headers) (Resolution, error) {
	var res Resolution
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		res, err = ResolveTx(ctx, tx, customerID, h, time.Now())
		return err
	})
	return res, err
}

// ResolveTx finds or creates the thread for a message. First match wins:
// the message itself, In-Reply-To, References newest to oldest, normalized
// subject, else a new thread. Several candidates at one step go to the most
// recently active thread, then the highest id.
func ResolveTx(ctx context.Context, q sqlx.ExtContext, customerID int64, h parser.Headers, at time.Time) (Resolution, error) {
	res, ok, err := Match(ctx, q, customerID, h)
	if err != nil || ok {
		return res, err
	}

	t := &models.Thread{
		CustomerID:        customerID,
		NormalizedSubject: NormalizeSubject(h.Subject()),
		CreatedAt:         at,
	}
	if err := database.CreateThread(ctx, q, t); err != nil {
		return Resolution{}, err
	}
	return Resolution{ThreadID: t.ID, Created: true, MatchedBy: MatchedCreated}, nil
}

// Match runs the matching rules of ResolveTx without creating a thread
func Match(ctx context.Context, q sqlx.ExtContext, customerID int64, h parser.Headers) (Resolution, bool, error) {
	if id := h.MessageID(); id != "" {
		matches, err := database.FindThreadsByMessageIDs(ctx, q, customerID, []string{id})
		if err != nil {
			return Resolution{}, false, err
		}
		if len(matches) > 0 {
			return Resolution{ThreadID: matches[0].ThreadID, MatchedBy: MatchedMessageID}, true, nil
		}
	}

	if id := h.InReplyTo(); id != "" {
		matches, err := database.FindThreadsByMessageIDs(ctx, q, customerID, []string{id})
		if err != nil {
			return Resolution{}, false, err
		}
		if len(matches) > 0 {
			return Resolution{ThreadID: matches[0].ThreadID, MatchedBy: MatchedInReplyTo}, true, nil
		}
	}

	if refs := h.References(); len(refs) > 0 {
		matches, err := database.FindThreadsByMessageIDs(ctx, q, customerID, refs)
		if err != nil {
			return Resolution{}, false, err
		}
		byID := make(map[string]int64, len(matches))
		for _, m := range matches {
			byID[m.MessageID] = m.ThreadID
		}
		for i := len(refs) - 1; i >= 0; i-- {
			if threadID, ok := byID[refs[i]]; ok {
				return Resolution{ThreadID: threadID, MatchedBy: MatchedReference}, true, nil
			}
		}
	}

	if subject := NormalizeSubject(h.Subject()); subject != "" {
		threads, err := database.FindThreadsBySubject(ctx, q, customerID, subject)
		if err != nil {
			return Resolution{}, false, err
		}
		if len(threads) > 0 {
			return Resolution{ThreadID: threads[0].ID, MatchedBy: MatchedSubject}, true, nil
		}
	}

	return Resolution{}, false, nil
}

// Append stores a message in its thread and advances the thread's activity
// to at. Appending a message that is already in the thread only touches it.
func Append(ctx context.Context, q sqlx.ExtContext, e *models.ThreadEmail, at time.Time) error {
	err := database.InsertThreadEmail(ctx, q, e)
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		return fmt.Errorf("append thread email: %w", err)
	}
	return Touch(ctx, q, e.ThreadID, at)
}

// Touch advances the last activity timestamp of a thread
func Touch(ctx context.Context, q sqlx.ExtContext, threadID int64, at time.Time) error {
	return database.TouchThread(ctx, q, threadID, at)
}

// Context returns the last limit emails of a thread, oldest first
func (r *Resolver) Context(ctx context.Context, threadID int64, limit int) ([]*models.ThreadEmail, error) {
	if limit <= 0 {
		limit = DefaultContextSize
	}
	return r.db.GetRecentThreadEmails(ctx, threadID, limit)
}
