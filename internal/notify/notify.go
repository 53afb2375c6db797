// Package notify delivers processing events to people: Discord webhooks,
// Telegram chats, optionally deferred to business hours.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

// Kind of event
type Kind string

const (
	KindNewEmail    Kind = "new_email"
	KindRelayFailed Kind = "relay_failed"
	KindUsage       Kind = "usage"
)

// Event is one notification
type Event struct {
	Kind         Kind             `json:"kind"`
	CustomerName string           `json:"customer_name"`
	Direction    models.Direction `json:"direction,omitempty"`
	MessageID    string           `json:"message_id"`
	ThreadID     int64            `json:"thread_id,omitempty"`
	From         string           `json:"from,omitempty"`
	To           string           `json:"to,omitempty"`
	Subject      string           `json:"subject,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Error        string           `json:"error,omitempty"`
	At           time.Time        `json:"at"`
}

// Urgent events skip business hours deferral and fall back to the admin
// chat when the customer has none
func (e Event) Urgent() bool {
	return e.Kind == KindRelayFailed || e.Kind == KindUsage
}

// Error is returned when a notifier fails
type Error struct {
	Notifier string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Notifier, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Notifier delivers an event for a customer
type Notifier interface {
	Notify(ctx context.Context, customer models.Customer, ev Event) error
}

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

// Notify delivers to all notifiers
func (m Multi) Notify(ctx context.Context, customer models.Customer, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, customer, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops events
type Nop struct{}

// Notify does nothing
func (Nop) Notify(context.Context, models.Customer, Event) error { return nil }
