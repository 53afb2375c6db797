package models

import (
	"fmt"
	"time"
)

// POP3 authentication methods
const (
	AuthUserPass = "user"
	AuthAPOP     = "apop"
)

// MailAccount represents a POP3 mailbox polled for inbound mail
type MailAccount struct {
	ID                  int64     `db:"id"`
	Host                string    `db:"host"`
	Port                int       `db:"port"`
	Username            string    `db:"username"`
	Password            string    `db:"password"`    // Optionally encrypted
	AuthMethod          string    `db:"auth_method"` // "user" or "apop"
	UseTLS              bool      `db:"use_tls"`
	Enabled             bool      `db:"enabled"`
	PollIntervalSeconds int       `db:"poll_interval_seconds"` // 0 = global default
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// Address returns host:port of the POP3 server
func (a *MailAccount) Address() string {
	port := a.Port
	if port == 0 {
		if a.UseTLS {
			port = 995
		} else {
			port = 110
		}
	}
	return fmt.Sprintf("%s:%d", a.Host, port)
}

// Label identifies the account in logs
func (a *MailAccount) Label() string {
	return a.Username + "@" + a.Host
}

// MailAccountState is the persisted poll cursor of one account
type MailAccountState struct {
	AccountID           int64      `db:"account_id"`
	LastPollAt          *time.Time `db:"last_poll_at"`
	LastSuccessAt       *time.Time `db:"last_success_at"`
	LastMessageCount    int        `db:"last_message_count"`
	LastMailboxSize     int        `db:"last_mailbox_size"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	LastError           string     `db:"last_error"`
}
