package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mixelka/mailrelay/pkg/models"
)

const systemPrompt = `You are a customer support assistant. You receive one email exchanged with a customer, its attachments as text, and the recent history of the conversation.
Return only a JSON object:
{
  "summary": "2-4 sentence summary of the email including important attachment data",
  "issue_title": "issue title for this conversation, at most 50 characters",
  "issue_body": "issue body in Markdown with details and next actions"
}
Write in the language of the email.`

// UsageRecorder receives the token usage of every completed call
type UsageRecorder interface {
	RecordUsage(ctx context.Context, model string, promptTokens, completionTokens int) error
}

// OpenAIConfig configures the OpenAI client
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string        // OpenAI compatible endpoint, e.g. https://api.openai.com/v1
	Timeout time.Duration // Per request
	Usage   UsageRecorder // Optional
}

// OpenAI summarizes with the chat completions API of OpenAI compatible servers
type OpenAI struct {
	client *openai.Client
	model  string
	usage  UsageRecorder
	logger *slog.Logger
}

// NewOpenAI creates a client
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		usage:  cfg.Usage,
		logger: logger.With("component", "summarizer"),
	}
}

// Summarize asks the model for a summary
func (o *OpenAI) Summarize(ctx context.Context, text string, rc RoleContext) (Summary, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(text, rc)},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Summary{}, classify(ctx, err)
	}

	if o.usage != nil {
		if err := o.usage.RecordUsage(ctx, o.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
			o.logger.Warn("failed to record model usage", "error", err)
		}
	}

	if len(resp.Choices) == 0 {
		return Summary{}, &ModelError{Kind: ErrInvalidResponse, Err: errors.New("no choices")}
	}

	var s Summary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &s); err != nil {
		return Summary{}, &ModelError{Kind: ErrInvalidResponse, Err: err}
	}
	return s, nil
}

// classify maps client errors to model error kinds
func classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ModelError{Kind: statusKind(apiErr.HTTPStatusCode), Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ModelError{Kind: statusKind(reqErr.HTTPStatusCode), Status: reqErr.HTTPStatusCode, Err: err}
	}
	if isTimeout(ctx, err) {
		return &ModelError{Kind: ErrTimeout, Err: err}
	}
	return &ModelError{Kind: ErrAPI, Err: err}
}

func statusKind(status int) error {
	if status == http.StatusTooManyRequests {
		return ErrQuota
	}
	return ErrAPI
}

// BuildPrompt renders the message text with its role context
func BuildPrompt(text string, rc RoleContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Customer: %s\n", rc.CustomerName)
	if rc.Direction == models.DirectionOutbound {
		sb.WriteString("Direction: sent by us to the customer\n")
	} else {
		sb.WriteString("Direction: received from the customer\n")
	}
	fmt.Fprintf(&sb, "From: %s\n", rc.From)
	fmt.Fprintf(&sb, "Subject: %s\n", rc.Subject)

	if len(rc.History) > 0 {
		sb.WriteString("\n--- Conversation history ---\n")
		for _, e := range rc.History {
			who := "customer"
			if e.Direction == models.DirectionOutbound {
				who = "us"
			}
			line := e.Summary
			if line == "" {
				line = e.BodyPreview
			}
			fmt.Fprintf(&sb, "[%s] %s (%s): %s\n", e.EmailDate.Format("2006-01-02 15:04"), who, e.Subject, line)
		}
	}

	sb.WriteString("\n--- Email ---\n")
	sb.WriteString(text)
	return sb.String()
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
