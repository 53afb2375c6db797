// Package summarize produces AI summaries of messages with their thread context.
package summarize

import (
	"context"
	"errors"
	"fmt"

	"github.com/mixelka/mailrelay/pkg/models"
)

// Error kinds
var (
	ErrTimeout         = errors.New("model timeout")
	ErrQuota           = errors.New("model quota exceeded")
	ErrInvalidResponse = errors.New("invalid model response")
	ErrAPI             = errors.New("model api error")
)

// ModelError is returned when the model call fails
type ModelError struct {
	Kind   error
	Status int
	Err    error
}

func (e *ModelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("summarize: %v (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("summarize: %v: %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// RoleContext tells the model who is talking to whom
type RoleContext struct {
	CustomerName string
	Direction    models.Direction
	From         string
	Subject      string
	History      []*models.ThreadEmail // Oldest first
}

// Summary is the model output
type Summary struct {
	Text       string `json:"summary"`
	IssueTitle string `json:"issue_title"`
	IssueBody  string `json:"issue_body"`
}

// Summarizer summarizes message text
type Summarizer interface {
	Summarize(ctx context.Context, text string, rc RoleContext) (Summary, error)
}

// Noop is used when no model is configured
type Noop struct{}

// Summarize returns an empty summary
func (Noop) Summarize(ctx context.Context, text string, rc RoleContext) (Summary, error) {
	return Summary{}, ctx.Err()
}
