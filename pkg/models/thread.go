package models

import "time"

// Direction of a message relative to the customer
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Processed email statuses
const (
	StatusReserved      = "reserved"
	StatusSuccess       = "success"
	StatusUnwhitelisted = "unwhitelisted"
)

// ProcessedEmail is the dedup record of a message
type ProcessedEmail struct {
	MessageID   string    `db:"message_id"`
	CustomerID  int64     `db:"customer_id"` // 0 for unwhitelisted mail
	Direction   Direction `db:"direction"`
	FromAddress string    `db:"from_address"`
	ToAddresses string    `db:"to_addresses"`
	Subject     string    `db:"subject"`
	ThreadID    *int64    `db:"thread_id"`
	Status      string    `db:"status"`
	ProcessedAt time.Time `db:"processed_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Thread is a customer-scoped conversation
type Thread struct {
	ID                int64     `db:"id"`
	CustomerID        int64     `db:"customer_id"`
	NormalizedSubject string    `db:"normalized_subject"`
	CreatedAt         time.Time `db:"created_at"`
	LastActivityAt    time.Time `db:"last_activity_at"`
}

// ThreadEmail is one message appended to a thread
type ThreadEmail struct {
	ID          int64     `db:"id"`
	ThreadID    int64     `db:"thread_id"`
	CustomerID  int64     `db:"customer_id"`
	MessageID   string    `db:"message_id"`
	InReplyTo   string    `db:"in_reply_to"`
	References  string    `db:"references_header"` // Space separated, oldest first
	Direction   Direction `db:"direction"`
	FromAddress string    `db:"from_address"`
	ToAddresses string    `db:"to_addresses"`
	CcAddresses string    `db:"cc_addresses"`
	Subject     string    `db:"subject"`
	BodyPreview string    `db:"body_preview"`
	Summary     string    `db:"summary"`
	EmailDate   time.Time `db:"email_date"`
	ProcessedAt time.Time `db:"processed_at"`
}

// ThreadIssue links a thread to the issue created for it
type ThreadIssue struct {
	ThreadID    int64     `db:"thread_id"`
	IssueNumber int64     `db:"issue_number"`
	IssueURL    string    `db:"issue_url"`
	CreatedAt   time.Time `db:"created_at"`
}

// StageFailure records a recoverable failure of one pipeline stage
type StageFailure struct {
	ID         int64      `db:"id"`
	MessageID  string     `db:"message_id"`
	CustomerID int64      `db:"customer_id"`
	Stage      string     `db:"stage"`
	Error      string     `db:"error"`
	CreatedAt  time.Time  `db:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}
