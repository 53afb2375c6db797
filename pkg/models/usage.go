package models

import "time"

// ModelUsage is the token count of one model call
type ModelUsage struct {
	ID               int64     `db:"id"`
	Model            string    `db:"model"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	CreatedAt        time.Time `db:"created_at"`
}

// ModelUsageTotal sums the usage of one model over a period
type ModelUsageTotal struct {
	Model            string `db:"model"`
	PromptTokens     int64  `db:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens"`
}
