package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/pkg/models"
)

// IssueStore persists the issue opened for each thread
type IssueStore interface {
	GetThreadIssue(ctx context.Context, threadID int64) (*models.ThreadIssue, error)
	CreateThreadIssue(ctx context.Context, issue *models.ThreadIssue) error
}

// IssueArchiver opens a Gitea issue for each new thread and comments on it
// for every following message
type IssueArchiver struct {
	store  IssueStore
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	threads map[int64]*sync.Mutex
}

// NewIssueArchiver creates a Gitea issue archiver
func NewIssueArchiver(store IssueStore, logger *slog.Logger) *IssueArchiver {
	return &IssueArchiver{
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "issue_archiver"),
		threads: make(map[int64]*sync.Mutex),
	}
}

// Name of the archiver
func (a *IssueArchiver) Name() string { return "gitea" }

// lock serializes issue lookup and creation for one thread
func (a *IssueArchiver) lock(threadID int64) func() {
	a.mu.Lock()
	m, ok := a.threads[threadID]
	if !ok {
		m = &sync.Mutex{}
		a.threads[threadID] = m
	}
	a.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type giteaIssue struct {
	Number  int64  `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Archive creates the thread issue or adds a comment to it
func (a *IssueArchiver) Archive(ctx context.Context, customer models.Customer, item Item) error {
	if customer.GiteaURL == "" || customer.GiteaRepo == "" || customer.GiteaToken == "" {
		return nil
	}

	unlock := a.lock(item.Email.ThreadID)
	defer unlock()

	issue, err := a.store.GetThreadIssue(ctx, item.Email.ThreadID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return &Error{Archiver: "gitea", Err: err}
	}

	if issue != nil {
		url := fmt.Sprintf("%s/api/v1/repos/%s/issues/%d/comments", strings.TrimRight(customer.GiteaURL, "/"), customer.GiteaRepo, issue.IssueNumber)
		if err := a.post(ctx, customer.GiteaToken, url, map[string]string{"body": commentBody(item)}, nil); err != nil {
			return &Error{Archiver: "gitea", Err: err}
		}
		return nil
	}

	title := item.IssueTitle
	if title == "" {
		title = item.Email.Subject
	}
	if title == "" {
		title = "(no subject)"
	}
	body := item.IssueBody
	if body == "" {
		body = commentBody(item)
	}

	var created giteaIssue
	url := fmt.Sprintf("%s/api/v1/repos/%s/issues", strings.TrimRight(customer.GiteaURL, "/"), customer.GiteaRepo)
	if err := a.post(ctx, customer.GiteaToken, url, map[string]string{"title": title, "body": body}, &created); err != nil {
		return &Error{Archiver: "gitea", Err: err}
	}

	err = a.store.CreateThreadIssue(ctx, &models.ThreadIssue{
		ThreadID:    item.Email.ThreadID,
		IssueNumber: created.Number,
		IssueURL:    created.HTMLURL,
	})
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		return &Error{Archiver: "gitea", Err: err}
	}

	a.logger.Info("created thread issue", "customer_id", customer.ID, "thread_id", item.Email.ThreadID, "issue_url", created.HTMLURL)
	return nil
}

func (a *IssueArchiver) post(ctx context.Context, token, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gitea returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func commentBody(item Item) string {
	e := item.Email
	var sb strings.Builder
	arrow := "Received from"
	if e.Direction == models.DirectionOutbound {
		arrow = "Sent to"
	}
	who := e.FromAddress
	if e.Direction == models.DirectionOutbound {
		who = e.ToAddresses
	}
	fmt.Fprintf(&sb, "**%s** %s on %s\n\n", arrow, who, e.EmailDate.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "**Subject:** %s\n\n", e.Subject)
	if e.Summary != "" {
		fmt.Fprintf(&sb, "%s\n", e.Summary)
	} else {
		fmt.Fprintf(&sb, "%s\n", e.BodyPreview)
	}
	return sb.String()
}
