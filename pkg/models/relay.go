package models

import (
	"fmt"
	"time"
)

// TLS modes for outbound relay targets
const (
	TLSModeNone     = "none"
	TLSModeSTARTTLS = "starttls"
	TLSModeImplicit = "tls"
)

// Relay job statuses
const (
	RelayPending = "pending"
	RelaySent    = "sent"
	RelayFailed  = "failed"
)

// RelayTarget is the downstream SMTP server a customer's mail is forwarded to
type RelayTarget struct {
	ID            int64   `db:"id"`
	Name          string  `db:"name"`
	CustomerID    *int64  `db:"customer_id"`    // Customer specific route
	RelayUsername *string `db:"relay_username"` // Route bound to an authenticated relay user
	Host          string  `db:"host"`
	Port          int     `db:"port"`
	Username      string  `db:"username"`
	Password      string  `db:"password"`
	TLSMode       string  `db:"tls_mode"`
	Enabled       bool    `db:"enabled"`
}

// Address returns host:port of the target
func (t *RelayTarget) Address() string {
	port := t.Port
	if port == 0 {
		switch t.TLSMode {
		case TLSModeImplicit:
			port = 465
		case TLSModeSTARTTLS:
			port = 587
		default:
			port = 25
		}
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// RelayUser is an SMTP AUTH identity accepted by the relay server
type RelayUser struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"` // bcrypt
	Enabled      bool   `db:"enabled"`
}

// RelayJob is a queued forward of one message leg
type RelayJob struct {
	ID            int64     `db:"id"`
	MessageID     string    `db:"message_id"`
	CustomerID    int64     `db:"customer_id"`
	TargetID      int64     `db:"target_id"`
	MailFrom      string    `db:"mail_from"`
	Recipients    string    `db:"recipients"` // JSON array
	Raw           []byte    `db:"raw"`
	Status        string    `db:"status"`
	Attempts      int       `db:"attempts"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	LastError     string    `db:"last_error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// PendingNotification is a notification deferred until business hours
type PendingNotification struct {
	ID           int64      `db:"id"`
	CustomerID   int64      `db:"customer_id"`
	Event        string     `db:"event"` // JSON encoded
	DeliverAfter time.Time  `db:"deliver_after"`
	CreatedAt    time.Time  `db:"created_at"`
	SentAt       *time.Time `db:"sent_at"`
}
