// Package dedup guarantees that a message id is processed at most once, across
// every customer and ingress point. The insert of a processed_emails row is the
// linearization point.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/pkg/models"
)

// Result of a reservation attempt
type Result int

const (
	Acquired Result = iota
	AlreadyProcessed
)

func (r Result) String() string {
	if r == Acquired {
		return "acquired"
	}
	return "already_processed"
}

// Reservation identifies one unit of processing
type Reservation struct {
	MessageID  string
	CustomerID int64 // 0 for unwhitelisted mail
	Direction  models.Direction
	From       string
	To         []string
	Subject    string
}

// Store is the dedup store backed by the processed_emails table
type Store struct {
	db *database.DB
}

// New creates a dedup store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Reserve claims a message id for a customer. Exactly one caller ever gets
// Acquired, whichever customer it names; the rest get AlreadyProcessed.
func (s *Store) Reserve(ctx context.Context, r Reservation) (Result, error) {
	return s.insert(ctx, r, models.StatusReserved)
}

// MarkUnwhitelisted records a marker for mail that matched no customer so
// later polls skip it
func (s *Store) MarkUnwhitelisted(ctx context.Context, r Reservation) (Result, error) {
	r.CustomerID = 0
	return s.insert(ctx, r, models.StatusUnwhitelisted)
}

func (s *Store) insert(ctx context.Context, r Reservation, status string) (Result, error) {
	if r.MessageID == "" {
		return 0, fmt.Errorf("empty message id")
	}
	rec := &models.ProcessedEmail{
		MessageID:   r.MessageID,
		CustomerID:  r.CustomerID,
		Direction:   r.Direction,
		FromAddress: r.From,
		ToAddresses: strings.Join(r.To, ", "),
		Subject:     r.Subject,
		Status:      status,
	}
	err := s.db.ReserveProcessed(ctx, rec)
	if errors.Is(err, database.ErrAlreadyExists) {
		return AlreadyProcessed, nil
	}
	if err != nil {
		return 0, err
	}
	return Acquired, nil
}

// Seen reports whether a message id has any record, in any customer scope
func (s *Store) Seen(ctx context.Context, messageID string) (bool, error) {
	return s.db.ProcessedExists(ctx, messageID)
}

// Complete sets the terminal success status inside the caller's transaction
func (s *Store) Complete(ctx context.Context, q sqlx.ExtContext, messageID string, customerID, threadID int64) error {
	return database.CompleteProcessed(ctx, q, messageID, customerID, threadID)
}

// Release drops a reservation that failed fatally so a later unit of work
// can retry it. Completed records are left alone.
func (s *Store) Release(ctx context.Context, messageID string, customerID int64) error {
	return s.db.ReleaseReservation(ctx, messageID, customerID)
}
