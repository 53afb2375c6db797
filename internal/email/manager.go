package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mixelka/mailrelay/pkg/models"
)

// ErrShuttingDown is returned when accounts are added after Shutdown
var ErrShuttingDown = errors.New("email manager is shutting down")

// Account states reported by Status
const (
	StateStopped = "stopped"
	StateRunning = "running"
	StatePolling = "polling"
)

// StateStore persists poll cursors
type StateStore interface {
	GetAccountState(ctx context.Context, accountID int64) (*models.MailAccountState, error)
	SaveAccountState(ctx context.Context, state *models.MailAccountState) error
}

type cycler interface {
	Cycle(ctx context.Context, account *models.MailAccount, state *models.MailAccountState) (*models.MailAccountState, error)
}

// Manager runs one polling task per enabled account
type Manager struct {
	pollers  map[int64]*pollerWrapper
	retired  map[int64]<-chan struct{} // done channels of stopped tasks
	mu       sync.RWMutex
	poller   cycler
	store    StateStore
	interval time.Duration
	logger   *slog.Logger

	// root is cancelled on shutdown only; cycles run under it so that
	// disabling an account lets the current cycle finish
	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type pollerWrapper struct {
	account *models.MailAccount
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	polling atomic.Bool
}

// NewManager creates a new email manager. interval is used for accounts
// without their own poll interval.
func NewManager(poller *Poller, store StateStore, interval time.Duration, logger *slog.Logger) *Manager {
	return newManager(poller, store, interval, logger)
}

func newManager(poller cycler, store StateStore, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		pollers:  make(map[int64]*pollerWrapper),
		retired:  make(map[int64]<-chan struct{}),
		poller:   poller,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "email_manager"),
		root:     root,
		stop:     stop,
	}
}

// AddAccount starts polling an account. Adding a running account is a no-op.
func (m *Manager) AddAccount(account *models.MailAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(account)
}

func (m *Manager) addLocked(account *models.MailAccount) error {
	if m.closed.Load() {
		return ErrShuttingDown
	}
	if !account.Enabled {
		return fmt.Errorf("account %d is disabled", account.ID)
	}
	if _, exists := m.pollers[account.ID]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(m.root)
	wrapper := &pollerWrapper{
		account: account,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.pollers[account.ID] = wrapper

	prev := m.retired[account.ID]
	delete(m.retired, account.ID)

	m.wg.Add(1)
	go m.run(wrapper, prev)

	m.logger.Info("added mail account", "account", account.Label(), "account_id", account.ID, "interval", m.intervalFor(account))
	return nil
}

// RemoveAccount stops scheduling new cycles for an account. A cycle in
// flight runs to completion.
func (m *Manager) RemoveAccount(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(accountID)
}

func (m *Manager) removeLocked(accountID int64) {
	wrapper, exists := m.pollers[accountID]
	if !exists {
		return
	}

	wrapper.cancel()
	m.retired[accountID] = wrapper.done
	delete(m.pollers, accountID)

	m.logger.Info("removed mail account", "account_id", accountID)
}

// Sync reconciles running tasks with the given accounts: newly enabled
// accounts are started, disabled or missing ones stopped and changed ones
// restarted.
func (m *Manager) Sync(accounts []*models.MailAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]bool, len(accounts))
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		wanted[a.ID] = true

		if w, exists := m.pollers[a.ID]; exists {
			if !accountChanged(w.account, a) {
				continue
			}
			m.logger.Info("mail account changed, restarting", "account_id", a.ID)
			m.removeLocked(a.ID)
		}
		if err := m.addLocked(a); err != nil {
			m.logger.Error("failed to start account", "account_id", a.ID, "error", err)
		}
	}

	for id := range m.pollers {
		if !wanted[id] {
			m.removeLocked(id)
		}
	}
}

func accountChanged(old, cur *models.MailAccount) bool {
	return !old.UpdatedAt.Equal(cur.UpdatedAt) ||
		old.Host != cur.Host ||
		old.Port != cur.Port ||
		old.Username != cur.Username ||
		old.Password != cur.Password ||
		old.AuthMethod != cur.AuthMethod ||
		old.UseTLS != cur.UseTLS ||
		old.PollIntervalSeconds != cur.PollIntervalSeconds
}

// RestoreAll starts every enabled account
func (m *Manager) RestoreAll(accounts []*models.MailAccount) {
	m.logger.Info("restoring mail accounts", "count", len(accounts))

	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		if err := m.AddAccount(account); err != nil {
			m.logger.Error("failed to restore account", "account", account.Label(), "error", err)
		}
	}

	m.logger.Info("finished restoring mail accounts")
}

// Status returns the runtime state of an account
func (m *Manager) Status(accountID int64) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wrapper, exists := m.pollers[accountID]
	if !exists {
		return StateStopped
	}
	if wrapper.polling.Load() {
		return StatePolling
	}
	return StateRunning
}

// Shutdown stops all tasks. Cycles stop between messages; Shutdown waits
// for them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	m.mu.Lock()
	for id := range m.pollers {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all poll tasks stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poll tasks did not drain: %w", ctx.Err())
	}
}

func (m *Manager) intervalFor(account *models.MailAccount) time.Duration {
	if account.PollIntervalSeconds > 0 {
		return time.Duration(account.PollIntervalSeconds) * time.Second
	}
	return m.interval
}

// run polls on the account's ticker until stopped. prev is the done channel
// of a previous task for the same account, waited on so cycles never overlap.
func (m *Manager) run(w *pollerWrapper, prev <-chan struct{}) {
	defer m.wg.Done()
	defer close(w.done)

	if prev != nil {
		select {
		case <-prev:
		case <-w.ctx.Done():
			return
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		}

		m.cycle(w)
		timer.Reset(m.intervalFor(w.account))
	}
}

func (m *Manager) cycle(w *pollerWrapper) {
	w.polling.Store(true)
	defer w.polling.Store(false)

	logger := m.logger.With("account_id", w.account.ID)

	state, err := m.store.GetAccountState(m.root, w.account.ID)
	if err != nil {
		logger.Error("failed to load account state", "error", err)
		return
	}

	next, err := m.poller.Cycle(m.root, w.account, state)
	if err != nil {
		logger.Warn("poll failed", "error", err, "consecutive_failures", next.ConsecutiveFailures)
	}

	if err := m.store.SaveAccountState(context.WithoutCancel(m.root), next); err != nil {
		logger.Error("failed to save account state", "error", err)
	}
}
