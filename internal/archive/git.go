package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/mailrelay/pkg/models"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._@+=-]+`)

// GitConfig configures the git archiver
type GitConfig struct {
	Root        string // Parent of per-customer repositories without an explicit path
	AuthorName  string
	AuthorEmail string
	Push        bool
}

// GitArchiver commits each message to the customer's archive repository
// under archive/YYYY-MM/<message-id>/
type GitArchiver struct {
	cfg    GitConfig
	logger *slog.Logger

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// NewGitArchiver creates a git archiver
func NewGitArchiver(cfg GitConfig, logger *slog.Logger) *GitArchiver {
	return &GitArchiver{
		cfg:    cfg,
		logger: logger.With("component", "git_archiver"),
		repos:  make(map[string]*sync.Mutex),
	}
}

// Name of the archiver
func (g *GitArchiver) Name() string { return "git" }

// Archive writes and commits the message. Files already in the repository
// are kept, so a retry never replaces the full body with a shorter copy.
func (g *GitArchiver) Archive(ctx context.Context, customer models.Customer, item Item) error {
	repo := g.repoPath(customer)
	if repo == "" {
		return nil
	}

	lock := g.lock(repo)
	lock.Lock()
	defer lock.Unlock()

	if err := g.ensureRepo(ctx, customer, repo); err != nil {
		return &Error{Archiver: "git", Err: err}
	}

	rel, err := g.write(repo, item)
	if err != nil {
		return &Error{Archiver: "git", Err: err}
	}

	if _, err := g.git(ctx, repo, "add", "--", rel); err != nil {
		return &Error{Archiver: "git", Err: err}
	}

	// Re-archiving an unchanged message leaves nothing staged, but an earlier
	// push may still be outstanding
	if _, err := g.git(ctx, repo, "diff", "--cached", "--quiet"); err != nil {
		msg := fmt.Sprintf("Add email: %s\n\nFrom: %s\nDate: %s\nMessage-ID: <%s>",
			item.Email.Subject, item.Email.FromAddress, item.Email.EmailDate.Format(time.RFC3339), item.Email.MessageID)
		if _, err := g.git(ctx, repo,
			"-c", "user.name="+g.cfg.AuthorName,
			"-c", "user.email="+g.cfg.AuthorEmail,
			"commit", "-q", "-m", msg,
		); err != nil {
			return &Error{Archiver: "git", Err: err}
		}
	}

	if g.cfg.Push && customer.ArchiveRemote != "" {
		if _, err := g.git(ctx, repo, "push", "-q", "origin", "HEAD"); err != nil {
			return &Error{Archiver: "git", Err: err}
		}
	}

	g.logger.Debug("archived email", "customer_id", customer.ID, "message_id", item.Email.MessageID, "path", rel)
	return nil
}

func (g *GitArchiver) repoPath(customer models.Customer) string {
	if customer.ArchiveRepoPath != "" {
		return customer.ArchiveRepoPath
	}
	if g.cfg.Root == "" {
		return ""
	}
	name := customer.Slug
	if name == "" {
		name = customer.Name
	}
	return filepath.Join(g.cfg.Root, sanitize(name))
}

func (g *GitArchiver) lock(repo string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.repos[repo]
	if !ok {
		l = &sync.Mutex{}
		g.repos[repo] = l
	}
	return l
}

func (g *GitArchiver) ensureRepo(ctx context.Context, customer models.Customer, repo string) error {
	if _, err := os.Stat(filepath.Join(repo, ".git")); err == nil {
		if g.cfg.Push && customer.ArchiveRemote != "" {
			if _, err := g.git(ctx, repo, "pull", "-q", "--rebase", "origin"); err != nil {
				g.logger.Warn("failed to pull archive repository", "repo", repo, "error", err)
			}
		}
		return nil
	}

	if customer.ArchiveRemote != "" {
		if err := os.MkdirAll(filepath.Dir(repo), 0755); err != nil {
			return fmt.Errorf("failed to create repository parent: %w", err)
		}
		_, err := g.git(ctx, filepath.Dir(repo), "clone", "-q", customer.ArchiveRemote, repo)
		return err
	}

	if err := os.MkdirAll(repo, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	_, err := g.git(ctx, repo, "init", "-q")
	return err
}

// write stores the message and its files, returning the directory relative
// to the repository root
func (g *GitArchiver) write(repo string, item Item) (string, error) {
	date := item.Email.EmailDate
	if date.IsZero() {
		date = time.Now()
	}
	rel := filepath.Join("archive", date.UTC().Format("2006-01"), sanitize(item.Email.MessageID))
	dir := filepath.Join(repo, rel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if err := writeNew(filepath.Join(dir, "email.md"), []byte(renderMarkdown(item))); err != nil {
		return "", fmt.Errorf("failed to write email: %w", err)
	}
	for _, f := range item.Files {
		name := sanitize(f.Name)
		switch name {
		case "":
			name = "attachment"
		case "email.md":
			name = "attachment-email.md"
		}
		if err := writeNew(filepath.Join(dir, name), f.Data); err != nil {
			return "", fmt.Errorf("failed to write attachment: %w", err)
		}
	}
	return rel, nil
}

// writeNew creates path with data unless it already exists
func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

func (g *GitArchiver) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func renderMarkdown(item Item) string {
	e := item.Email
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", e.Subject)
	fmt.Fprintf(&sb, "- **Direction:** %s\n", e.Direction)
	fmt.Fprintf(&sb, "- **From:** %s\n", e.FromAddress)
	fmt.Fprintf(&sb, "- **To:** %s\n", e.ToAddresses)
	if e.CcAddresses != "" {
		fmt.Fprintf(&sb, "- **Cc:** %s\n", e.CcAddresses)
	}
	fmt.Fprintf(&sb, "- **Date:** %s\n", e.EmailDate.Format(time.RFC3339))
	fmt.Fprintf(&sb, "- **Message-ID:** `<%s>`\n", e.MessageID)
	if e.InReplyTo != "" {
		fmt.Fprintf(&sb, "- **In-Reply-To:** `<%s>`\n", e.InReplyTo)
	}
	if len(item.Files) > 0 {
		sb.WriteString("- **Attachments:**")
		for _, f := range item.Files {
			fmt.Fprintf(&sb, " %s", f.Name)
		}
		sb.WriteString("\n")
	}
	if e.Summary != "" {
		fmt.Fprintf(&sb, "\n## Summary\n\n%s\n", e.Summary)
	}
	body := item.Body
	if body == "" {
		body = e.BodyPreview
	}
	fmt.Fprintf(&sb, "\n## Body\n\n%s\n", body)
	return sb.String()
}

func sanitize(name string) string {
	name = unsafePathChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}
