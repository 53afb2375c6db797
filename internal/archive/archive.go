// Package archive stores processed messages outside the database: a git
// repository per customer and an issue per conversation thread.
package archive

import (
	"context"
	"fmt"

	"github.com/mixelka/mailrelay/pkg/models"
)

// Error is returned when an archiver fails
type Error struct {
	Archiver string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Archiver, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// File is an attachment stored next to the message
type File struct {
	Name string
	Data []byte
}

// Item is one message to archive
type Item struct {
	Email      models.ThreadEmail
	Body       string
	Files      []File
	IssueTitle string
	IssueBody  string
}

// Archiver archives a message for a customer. Archiving a message that is
// already archived must not duplicate it.
type Archiver interface {
	Name() string
	Archive(ctx context.Context, customer models.Customer, item Item) error
}
