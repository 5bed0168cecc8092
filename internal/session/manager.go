// Package session keeps one console client's session (identity, role,
// loading and error state) in step with identity provider notifications.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/identity"
)

// IdentitySource pushes identity changes. identity.Auth satisfies it.
type IdentitySource interface {
	OnIdentityChanged(fn identity.Listener) (unsubscribe func())
}

// RoleSource resolves a role by identity UID. *auth.RoleCache satisfies it.
// Errors wrapping auth.ErrRoleNotFound mean "no role"; any other error is a
// lookup failure.
type RoleSource interface {
	LookupRole(ctx context.Context, uid string) (auth.Role, error)
}

// Config tunes a Manager.
type Config struct {
	// LookupTimeout bounds a single role lookup. Zero means no bound.
	LookupTimeout time.Duration
	// Name labels log lines, typically the client ID.
	Name string
}

// Manager owns a single session. Only the Manager mutates it; Session may be
// called from any goroutine.
//
// Each identity notification supersedes the previous one: the in-flight role
// lookup is cancelled and, should it still complete, its result is dropped.
// Lookup failures never escape; they become Snapshot.Err.
type Manager struct {
	src   IdentitySource
	roles RoleSource
	cfg   Config

	mu          sync.Mutex
	snap        Snapshot
	gen         uint64
	cancel      context.CancelFunc
	unsubscribe func()
	started     bool
	closed      bool
	changed     chan struct{} // closed and replaced on every transition
	subs        map[int]func(Snapshot)
	nextSub     int

	// Transitions queue snapshots here; one goroutine at a time drains the
	// queue to subscribers, outside mu.
	queue      []Snapshot
	delivering bool
}

// NewManager creates a Manager in StateUninitialized. Call Start to begin
// tracking the identity source.
func NewManager(src IdentitySource, roles RoleSource, cfg Config) *Manager {
	return &Manager{
		src:     src,
		roles:   roles,
		cfg:     cfg,
		changed: make(chan struct{}),
		subs:    make(map[int]func(Snapshot)),
	}
}

// Start registers with the identity source and moves to StateLoading until
// the first notification arrives. Calling Start again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.transitionLocked(Snapshot{State: StateLoading})
	m.mu.Unlock()
	m.deliver()

	unsub := m.src.OnIdentityChanged(m.onIdentityChanged)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsubscribe = unsub
	m.mu.Unlock()
}

// Session returns the current snapshot.
func (m *Manager) Session() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// IsAuthorized reports whether the current session satisfies at least one of
// the required roles. It never blocks on a lookup and never fails.
func (m *Manager) IsAuthorized(required ...auth.Role) bool {
	return m.Session().Authorized(required...)
}

// Subscribe calls fn after every transition, in order. Callbacks never run
// concurrently with each other and may read the session; a transition made
// during a callback is delivered after it returns. The returned func
// unsubscribes.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Await blocks until the session is no longer pending or ctx is done, and
// returns the latest snapshot either way.
func (m *Manager) Await(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		s, ch := m.snap, m.changed
		m.mu.Unlock()
		if !s.Pending() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// Close unsubscribes from the identity source and cancels any lookup. A
// closed Manager reports an unauthenticated session and ignores further
// notifications.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.transitionLocked(Snapshot{State: StateUnauthenticated})
	m.mu.Unlock()
	m.deliver()

	if unsub != nil {
		unsub()
	}
}

// onIdentityChanged handles one provider notification.
func (m *Manager) onIdentityChanged(id *auth.Identity) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	if id == nil {
		m.transitionLocked(Snapshot{State: StateUnauthenticated})
		m.mu.Unlock()
		m.deliver()
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if m.cfg.LookupTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.LookupTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancel = cancel
	// The identity stays hidden until its role is known.
	m.transitionLocked(Snapshot{State: StateLoading})
	m.mu.Unlock()
	m.deliver()

	go m.resolve(ctx, cancel, gen, id)
}

func (m *Manager) resolve(ctx context.Context, cancel context.CancelFunc, gen uint64, id *auth.Identity) {
	start := time.Now()
	role, err := m.roles.LookupRole(ctx, id.UID)
	roleLookupDuration.Observe(time.Since(start).Seconds())
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		roleLookupsTotal.WithLabelValues("stale").Inc()
		slog.Debug("discarding stale role lookup", "session", m.cfg.Name, "uid", id.UID)
		return
	}
	m.cancel = nil
	defer m.deliver()
	defer m.mu.Unlock()

	switch {
	case err == nil && role.Valid():
		roleLookupsTotal.WithLabelValues("found").Inc()
		m.transitionLocked(Snapshot{State: StateAuthenticated, Identity: id, Role: role})
	case err == nil, errors.Is(err, auth.ErrRoleNotFound):
		roleLookupsTotal.WithLabelValues("not_found").Inc()
		slog.Warn("no role for signed-in identity", "session", m.cfg.Name, "uid", id.UID, "error", err)
		m.transitionLocked(Snapshot{State: StateError, Err: ErrRoleNotFound})
	default:
		roleLookupsTotal.WithLabelValues("error").Inc()
		slog.Error("role lookup failed", "session", m.cfg.Name, "uid", id.UID, "error", err)
		m.transitionLocked(Snapshot{State: StateError, Err: ErrAuthentication})
	}
}

// transitionLocked installs s and queues it for subscribers. It must be
// called with m.mu held; the caller runs deliver after unlocking.
func (m *Manager) transitionLocked(s Snapshot) {
	m.snap = s
	close(m.changed)
	m.changed = make(chan struct{})
	sessionTransitionsTotal.WithLabelValues(s.State.String()).Inc()

	if len(m.subs) > 0 {
		m.queue = append(m.queue, s)
	}
}

// deliver drains the notification queue unless another goroutine is
// already doing so. It must be called without m.mu held.
func (m *Manager) deliver() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		fns := make([]func(Snapshot), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
		m.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.queue = nil
	m.mu.Unlock()
}
