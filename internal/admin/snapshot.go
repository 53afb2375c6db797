// Package admin exposes the externally provisioned configuration (customers,
// whitelist, accounts, relay routes) as periodically refreshed read-only
// snapshots, plus a small status HTTP server.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/metrics"
	"github.com/mixelka/mailrelay/pkg/models"
)

// AccountStatus is a mail account with its poll cursor and runtime state
type AccountStatus struct {
	ID                  int64      `json:"id"`
	Label               string     `json:"label"`
	Enabled             bool       `json:"enabled"`
	State               string     `json:"state"`
	LastPollAt          *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastMessageCount    int        `json:"last_message_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// Snapshot is an immutable view of the configuration tables.
// Callers must not modify anything reachable from it.
type Snapshot struct {
	GeneratedAt  time.Time
	Customers    map[int64]*models.Customer
	Whitelist    map[string]int64 // lower-cased address -> customer id
	Accounts     []AccountStatus
	Targets      []*models.RelayTarget
	RelayUsers   map[string]*models.RelayUser
	RelayQueue   map[string]int
	OpenFailures int
}

// CustomerFor returns the customer owning addr
func (s *Snapshot) CustomerFor(addr string) (*models.Customer, bool) {
	id, ok := s.Whitelist[strings.ToLower(strings.TrimSpace(addr))]
	if !ok {
		return nil, false
	}
	c, ok := s.Customers[id]
	return c, ok
}

// FirstWhitelisted returns the customer of the first whitelisted address in order
func (s *Snapshot) FirstWhitelisted(addrs []string) (*models.Customer, string, bool) {
	for _, a := range addrs {
		if c, ok := s.CustomerFor(a); ok {
			return c, a, true
		}
	}
	return nil, "", false
}

// TargetFor picks the relay route of a customer leg: the customer's own
// target, else the one bound to the authenticated relay user, else the default
func (s *Snapshot) TargetFor(customerID int64, relayUser string) *models.RelayTarget {
	var byUser, fallback *models.RelayTarget
	for _, t := range s.Targets {
		if !t.Enabled {
			continue
		}
		switch {
		case t.CustomerID != nil:
			if *t.CustomerID == customerID {
				return t
			}
		case t.RelayUsername != nil:
			if relayUser != "" && *t.RelayUsername == relayUser && byUser == nil {
				byUser = t
			}
		default:
			if fallback == nil {
				fallback = t
			}
		}
	}
	if byUser != nil {
		return byUser
	}
	return fallback
}

// Target returns a relay target by id
func (s *Snapshot) Target(id int64) *models.RelayTarget {
	for _, t := range s.Targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// StatusFunc reports the runtime state of a polled account
type StatusFunc func(accountID int64) string

// Provider refreshes snapshots from the database
type Provider struct {
	db     *database.DB
	logger *slog.Logger

	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	status StatusFunc
}

// NewProvider creates a provider. Refresh must run before the first Snapshot
// call returns data; until then an empty snapshot is served.
func NewProvider(db *database.DB, logger *slog.Logger) *Provider {
	p := &Provider{
		db:     db,
		logger: logger.With("component", "admin_provider"),
	}
	p.current.Store(&Snapshot{
		Customers:  map[int64]*models.Customer{},
		Whitelist:  map[string]int64{},
		RelayUsers: map[string]*models.RelayUser{},
		RelayQueue: map[string]int{},
	})
	return p
}

// SetStatusFunc sets the runtime account state source
func (p *Provider) SetStatusFunc(fn StatusFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = fn
}

// Snapshot returns the latest snapshot
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Refresh loads a new snapshot and swaps it in
func (p *Provider) Refresh(ctx context.Context) error {
	snap, err := p.load(ctx)
	if err != nil {
		return err
	}
	p.current.Store(snap)
	for status, n := range snap.RelayQueue {
		metrics.RelayQueue.WithLabelValues(status).Set(float64(n))
	}
	p.logger.Debug("snapshot refreshed",
		"customers", len(snap.Customers),
		"whitelist", len(snap.Whitelist),
		"accounts", len(snap.Accounts),
	)
	return nil
}

func (p *Provider) load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Customers:   make(map[int64]*models.Customer),
		Whitelist:   make(map[string]int64),
		RelayUsers:  make(map[string]*models.RelayUser),
	}

	customers, err := p.db.GetAllCustomers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range customers {
		snap.Customers[c.ID] = c
	}

	entries, err := p.db.GetWhitelist(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		snap.Whitelist[strings.ToLower(strings.TrimSpace(e.Address))] = e.CustomerID
	}

	accounts, err := p.db.GetAllMailAccounts(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	for _, a := range accounts {
		state, err := p.db.GetAccountState(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", a.ID, err)
		}
		st := AccountStatus{
			ID:                  a.ID,
			Label:               a.Label(),
			Enabled:             a.Enabled,
			State:               "stopped",
			LastPollAt:          state.LastPollAt,
			LastSuccessAt:       state.LastSuccessAt,
			LastMessageCount:    state.LastMessageCount,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           state.LastError,
		}
		if status != nil {
			st.State = status(a.ID)
		}
		snap.Accounts = append(snap.Accounts, st)
	}

	if snap.Targets, err = p.db.GetRelayTargets(ctx); err != nil {
		return nil, err
	}

	users, err := p.db.GetRelayUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		snap.RelayUsers[u.Username] = u
	}

	if snap.RelayQueue, err = p.db.CountRelayJobsByStatus(ctx); err != nil {
		return nil, err
	}

	if snap.OpenFailures, err = p.db.CountOpenStageFailures(ctx); err != nil {
		return nil, err
	}

	return snap, nil
}
