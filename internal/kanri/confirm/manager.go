package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls a Manager.
type Config struct {
	// TTL is the default lifetime used when Create is passed ttl <= 0.
	// Zero means DefaultTTL.
	TTL time.Duration

	// Approvers may approve or deny any token in addition to its requester.
	Approvers []string

	// Persister is optional.
	Persister Persister

	// OnExpire is called for every entry removed by the background sweeper.
	OnExpire func(Pending)

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Manager owns the table of pending confirmations.
type Manager struct {
	mu      sync.Mutex
	pending map[string]Pending

	ttl       time.Duration
	approvers map[string]bool
	persist   Persister
	onExpire  func(Pending)
	now       func() time.Time
}

// NewManager returns an empty Manager.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	approvers := make(map[string]bool, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		approvers[a] = true
	}
	return &Manager{
		pending:   make(map[string]Pending),
		ttl:       cfg.TTL,
		approvers: approvers,
		persist:   cfg.Persister,
		onExpire:  cfg.OnExpire,
		now:       cfg.Now,
	}
}

// Load rebuilds the table from the Persister.  Entries already past their
// deadline are dropped from storage instead of being restored.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.persist == nil {
		return 0, nil
	}
	all, err := m.persist.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending confirmations: %w", err)
	}

	now := m.now()
	restored := 0
	var stale []string

	m.mu.Lock()
	for _, p := range all {
		if p.Expired(now) {
			stale = append(stale, p.Token)
			continue
		}
		m.pending[p.Token] = p
		restored++
	}
	m.mu.Unlock()

	for _, tok := range stale {
		if err := m.persist.DeletePending(ctx, tok); err != nil {
			slog.Warn("failed to drop stale confirmation", "token", tok, "err", err)
		}
	}
	return restored, nil
}

// Create records a new pending confirmation and returns its token and
// expiry.  A non-positive ttl uses the manager's lifetime.
func (m *Manager) Create(ctx context.Context, action string, params map[string]string, requester, channel string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	p := Pending{
		Token:       uuid.NewString(),
		Action:      action,
		Params:      copyParams(params),
		RequesterID: requester,
		ChannelID:   channel,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if m.persist != nil {
		if err := m.persist.SavePending(ctx, p); err != nil {
			return "", time.Time{}, fmt.Errorf("persist confirmation: %w", err)
		}
	}

	m.mu.Lock()
	m.pending[p.Token] = p
	m.mu.Unlock()

	slog.Info("confirmation created", "token", p.Token, "action", action, "requester", requester, "expires_at", p.ExpiresAt)
	return p.Token, p.ExpiresAt, nil
}

// Approve claims the token for execution.
func (m *Manager) Approve(ctx context.Context, token, approver string) (Pending, error) {
	return m.claim(ctx, token, approver)
}

// Deny claims the token without execution.
func (m *Manager) Deny(ctx context.Context, token, approver string) (Pending, error) {
	return m.claim(ctx, token, approver)
}

// claim removes the entry under the lock and reports why it could not be
// claimed.  An expired entry is removed too, so the next attempt sees
// ErrNotFound.  A forbidden attempt leaves the entry in place for its owner.
func (m *Manager) claim(ctx context.Context, token, approver string) (Pending, error) {
	now := m.now()

	m.mu.Lock()
	p, ok := m.pending[token]
	switch {
	case !ok:
		m.mu.Unlock()
		return Pending{}, ErrNotFound
	case p.Expired(now):
		delete(m.pending, token)
		m.mu.Unlock()
		m.forget(ctx, token)
		return Pending{}, ErrExpired
	case approver != p.RequesterID && !m.approvers[approver]:
		m.mu.Unlock()
		return Pending{}, ErrForbidden
	}
	delete(m.pending, token)
	m.mu.Unlock()

	m.forget(ctx, token)
	return p, nil
}

// forget removes token from storage.  The in-memory claim already happened
// and stays authoritative, so failures are only logged.
func (m *Manager) forget(ctx context.Context, token string) {
	if m.persist == nil {
		return
	}
	if err := m.persist.DeletePending(ctx, token); err != nil {
		slog.Warn("failed to delete persisted confirmation", "token", token, "err", err)
	}
}

// Get returns the pending entry without claiming it.
func (m *Manager) Get(token string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[token]
	return p, ok
}

// Len returns the number of outstanding confirmations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// List returns outstanding confirmations ordered by creation time.
func (m *Manager) List() []Pending {
	m.mu.Lock()
	out := make([]Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes and returns every entry with ExpiresAt <= now.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []Pending {
	var expired []Pending

	m.mu.Lock()
	for tok, p := range m.pending {
		if p.Expired(now) {
			expired = append(expired, p)
			delete(m.pending, tok)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.forget(ctx, p.Token)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range m.Sweep(ctx, m.now()) {
				slog.Info("confirmation expired", "token", p.Token, "action", p.Action, "requester", p.RequesterID)
				if m.onExpire != nil {
					m.onExpire(p)
				}
			}
		}
	}
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
