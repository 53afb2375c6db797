package archive

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItem(threadID int64) Item {
	return Item{
		Email: models.ThreadEmail{
			ThreadID:    threadID,
			MessageID:   "a/b@x",
			Direction:   models.DirectionInbound,
			FromAddress: "client@acme.test",
			ToAddresses: "support@us.test",
			Subject:     "Order #1",
			Summary:     "wants 3 units",
			EmailDate:   time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
		},
		Body:  "Please send 3 units.",
		Files: []File{{Name: "po.csv", Data: []byte("sku,qty\nX,3\n")}},
	}
}

func TestGitArchiver(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	g := NewGitArchiver(GitConfig{Root: root, AuthorName: "test", AuthorEmail: "test@example.com"}, discardLogger())
	customer := models.Customer{ID: 1, Name: "Acme Corp", Slug: "acme"}

	require.NoError(t, g.Archive(context.Background(), customer, testItem(1)))

	dir := filepath.Join(root, "acme", "archive", "2025-04", "a_b@x")
	md, err := os.ReadFile(filepath.Join(dir, "email.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Order #1")
	assert.Contains(t, string(md), "wants 3 units")
	assert.Contains(t, string(md), "Please send 3 units.")

	csv, err := os.ReadFile(filepath.Join(dir, "po.csv"))
	require.NoError(t, err)
	assert.Equal(t, "sku,qty\nX,3\n", string(csv))

	// Archiving the same message again does not fail on an empty commit
	require.NoError(t, g.Archive(context.Background(), customer, testItem(1)))

	out, err := exec.Command("git", "-C", filepath.Join(root, "acme"), "log", "--oneline").Output()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(string(out)), "\n")+1)
}

func TestGitArchiverSkipsWithoutRepo(t *testing.T) {
	g := NewGitArchiver(GitConfig{}, discardLogger())
	assert.NoError(t, g.Archive(context.Background(), models.Customer{Name: "x"}, testItem(1)))
}

func TestIssueArchiver(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	c := dbtest.Customer(t, db, "acme")
	th := &models.Thread{CustomerID: c.ID, NormalizedSubject: "Order #1"}
	require.NoError(t, database.CreateThread(ctx, db, th))

	var issues, comments atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		switch r.URL.Path {
		case "/api/v1/repos/acme/support/issues":
			issues.Add(1)
			assert.Equal(t, "Order #1", payload["title"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 42, "html_url": "https://gitea.test/acme/support/issues/42"})
		case "/api/v1/repos/acme/support/issues/42/comments":
			comments.Add(1)
			assert.Contains(t, payload["body"], "wants 3 units")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	customer := *c
	customer.GiteaURL = srv.URL + "/"
	customer.GiteaRepo = "acme/support"
	customer.GiteaToken = "secret"

	a := NewIssueArchiver(db, discardLogger())
	require.NoError(t, a.Archive(ctx, customer, testItem(th.ID)))
	require.NoError(t, a.Archive(ctx, customer, testItem(th.ID)))

	assert.Equal(t, int32(1), issues.Load())
	assert.Equal(t, int32(1), comments.Load())

	issue, err := db.GetThreadIssue(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), issue.IssueNumber)
}

func TestIssueArchiverHTTPError(t *testing.T) {
	db := dbtest.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	customer := models.Customer{GiteaURL: srv.URL, GiteaRepo: "a/b", GiteaToken: "t"}
	err := NewIssueArchiver(db, discardLogger()).Archive(context.Background(), customer, testItem(1))

	var archiveErr *Error
	require.ErrorAs(t, err, &archiveErr)
	assert.Equal(t, "gitea", archiveErr.Archiver)
	assert.Contains(t, err.Error(), "403")
}

func TestGitArchiverKeepsArchivedBody(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	g := NewGitArchiver(GitConfig{Root: root, AuthorName: "test", AuthorEmail: "test@example.com"}, discardLogger())
	customer := models.Customer{ID: 1, Name: "Acme Corp", Slug: "acme"}
	ctx := context.Background()

	full := testItem(1)
	full.Body = strings.Repeat("line of the full body\n", 100)
	require.NoError(t, g.Archive(ctx, customer, full))

	preview := testItem(1)
	preview.Body = full.Body[:500]
	preview.Files = nil
	require.NoError(t, g.Archive(ctx, customer, preview))

	md, err := os.ReadFile(filepath.Join(root, "acme", "archive", "2025-04", "a_b@x", "email.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), full.Body)

	out, err := exec.Command("git", "-C", filepath.Join(root, "acme"), "log", "--oneline").Output()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(string(out)), "\n")+1)
}

func TestIssueArchiverConcurrentThread(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	c := dbtest.Customer(t, db, "acme")
	th := &models.Thread{CustomerID: c.ID, NormalizedSubject: "Order #1"}
	require.NoError(t, database.CreateThread(ctx, db, th))

	var issues, comments atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/repos/acme/support/issues":
			issues.Add(1)
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 7, "html_url": "https://gitea.test/acme/support/issues/7"})
		case "/api/v1/repos/acme/support/issues/7/comments":
			comments.Add(1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	customer := *c
	customer.GiteaURL = srv.URL
	customer.GiteaRepo = "acme/support"
	customer.GiteaToken = "secret"

	a := NewIssueArchiver(db, discardLogger())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Archive(ctx, customer, testItem(th.ID)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), issues.Load())
	assert.Equal(t, int32(4), comments.Load())
}

func TestArchiverNames(t *testing.T) {
	assert.Equal(t, "git", NewGitArchiver(GitConfig{}, discardLogger()).Name())
	assert.Equal(t, "gitea", NewIssueArchiver(nil, discardLogger()).Name())
}
