package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceorder/pkg/clock"
	"github.com/MrWong99/voiceorder/pkg/protocol"
)

const (
	// DefaultRefreshLead is how long before expiry a refresh is attempted.
	DefaultRefreshLead = 10 * time.Second

	// DefaultFetchTimeout bounds a background refresh request.
	DefaultFetchTimeout = 10 * time.Second

	// minRefreshDelay keeps very short-lived credentials from refreshing in
	// a tight loop.
	minRefreshDelay = time.Second
)

// Option configures a [Manager].
type Option func(*Manager)

// WithClock replaces the wall clock, typically with a [clock.Fake].
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRefreshLead sets how long before expiry the refresh fires.
func WithRefreshLead(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshLead = d
		}
	}
}

// WithFetchTimeout bounds each background refresh request.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.fetchTimeout = d
		}
	}
}

// WithOnRefreshFailed registers a callback invoked when a background refresh
// fails. The held credential is left unchanged.
func WithOnRefreshFailed(fn func(error)) Option {
	return func(m *Manager) { m.onRefreshFailed = fn }
}

// WithOnRefreshed registers a callback invoked after every successful
// background refresh.
func WithOnRefreshed(fn func(Credential)) Option {
	return func(m *Manager) { m.onRefreshed = fn }
}

// Manager owns the current credential and its refresh timer. All methods are
// safe for concurrent use.
type Manager struct {
	fetcher         Fetcher
	policy          Policy
	clock           clock.Clock
	refreshLead     time.Duration
	fetchTimeout    time.Duration
	onRefreshFailed func(error)
	onRefreshed     func(Credential)

	mu    sync.Mutex
	cred  Credential
	ctx   Context
	timer clock.Timer
	// gen invalidates refresh callbacks armed before the last ClearRefresh.
	gen uint64
}

// NewManager returns a Manager that fetches through f and builds session
// configurations from policy.
func NewManager(f Fetcher, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		fetcher:      f,
		policy:       policy,
		clock:        clock.Real{},
		refreshLead:  DefaultRefreshLead,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FetchCredential requests a new credential, stores it with its context and
// re-arms the refresh timer. A returned credential is always valid at the
// time of return.
func (m *Manager) FetchCredential(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.fetch(ctx, gen)
}

func (m *Manager) fetch(ctx context.Context, gen uint64) (Credential, error) {
	grant, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return Credential{}, err
	}
	now := m.clock.Now()
	if !grant.Credential.ValidAt(now) {
		return Credential{}, fmt.Errorf("%w: credential service returned an expired or empty credential", ErrAuth)
	}

	m.mu.Lock()
	if gen != m.gen {
		// ClearRefresh ran while the request was in flight. The caller still
		// gets the credential; it is not retained and nothing is re-armed.
		m.mu.Unlock()
		return grant.Credential, nil
	}
	m.cred = grant.Credential
	m.ctx = grant.Context
	m.scheduleRefreshLocked(now)
	m.mu.Unlock()

	slog.Debug("credential fetched",
		"expires_at", grant.Credential.ExpiresAt,
		"restaurant_id", grant.Context.RestaurantID,
	)
	return grant.Credential, nil
}

// IsValid reports whether a credential is held and has not expired.
func (m *Manager) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.ValidAt(m.clock.Now())
}

// Current returns the held credential and whether it is currently valid.
func (m *Manager) Current() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.cred.ValidAt(m.clock.Now())
}

// Context returns the dynamic context delivered with the last credential.
func (m *Manager) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// scheduleRefreshLocked arms a one-shot refresh refreshLead before expiry,
// replacing any pending one. m.mu must be held.
func (m *Manager) scheduleRefreshLocked(now time.Time) {
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := m.cred.ExpiresAt.Sub(now) - m.refreshLead
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.refresh(gen) })
}

func (m *Manager) refresh(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	cred, err := m.fetch(ctx, gen)
	if err != nil {
		slog.Warn("credential refresh failed", "err", err)
	}
	m.mu.Lock()
	failed, refreshed := m.onRefreshFailed, m.onRefreshed
	stale := gen != m.gen
	m.mu.Unlock()
	switch {
	case stale:
	case err != nil && failed != nil:
		failed(err)
	case err == nil && refreshed != nil:
		refreshed(cred)
	}
}

// ClearRefresh cancels the pending refresh. It is idempotent.
func (m *Manager) ClearRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Invalidate cancels the pending refresh and drops the held credential.
func (m *Manager) Invalidate() {
	m.ClearRefresh()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{}
}

// RefreshPending reports whether a refresh timer is armed.
func (m *Manager) RefreshPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// BuildSessionConfig returns the session configuration for the current
// context. It performs no I/O and does not mutate the manager. It fails with
// [ErrConfigTooLarge] instead of truncating when the encoded configuration
// exceeds the policy ceiling.
func (m *Manager) BuildSessionConfig() (protocol.SessionConfig, error) {
	m.mu.Lock()
	c, p := m.ctx, m.policy
	m.mu.Unlock()
	return p.Build(c)
}

// SetPolicy replaces the session policy. The next [Manager.BuildSessionConfig]
// uses it; an already configured session is unaffected.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}
