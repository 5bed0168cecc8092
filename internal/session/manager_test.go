package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/identity"
)

// fakeSource lets tests fire provider notifications by hand.
type fakeSource struct {
	mu           sync.Mutex
	fn           identity.Listener
	unsubscribed bool
}

func (f *fakeSource) OnIdentityChanged(fn identity.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
	}
}

func (f *fakeSource) emit(id *auth.Identity) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(id)
}

// fakeRoles resolves roles from a map. A gate blocks the lookup for that UID
// regardless of context, to simulate a slow response arriving late.
type fakeRoles struct {
	mu       sync.Mutex
	roles    map[string]auth.Role
	errs     map[string]error
	gates    map[string]chan struct{}
	returned atomic.Int32
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles: make(map[string]auth.Role),
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeRoles) LookupRole(_ context.Context, uid string) (auth.Role, error) {
	f.mu.Lock()
	gate := f.gates[uid]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	defer f.returned.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[uid]; err != nil {
		return auth.RoleNone, err
	}
	r, ok := f.roles[uid]
	if !ok {
		return auth.RoleNone, fmt.Errorf("%w for %s", auth.ErrRoleNotFound, uid)
	}
	return r, nil
}

func newTestManager(t *testing.T, roles *fakeRoles) (*Manager, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	m := NewManager(src, roles, Config{Name: t.Name()})
	t.Cleanup(m.Close)
	return m, src
}

func await(t *testing.T, m *Manager) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Await(ctx)
	require.NoError(t, err, "session did not settle")
	return s
}

var alice = &auth.Identity{UID: "alice", Email: "alice@agency.test"}

func TestManager_StartsUninitializedThenLoading(t *testing.T) {
	m, _ := newTestManager(t, newFakeRoles())
	assert.Equal(t, StateUninitialized, m.Session().State)
	assert.False(t, m.IsAuthorized(auth.RoleViewer))

	m.Start()
	s := m.Session()
	assert.Equal(t, StateLoading, s.State)
	assert.True(t, s.Pending())
	assert.False(t, m.IsAuthorized(auth.RoleViewer))
}

func TestManager_SignInResolvesRole(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleAdmin
	m, src := newTestManager(t, roles)
	m.Start()

	src.emit(alice)
	s := await(t, m)

	assert.Equal(t, StateAuthenticated, s.State)
	assert.Same(t, alice, s.Identity)
	assert.Equal(t, auth.RoleAdmin, s.Role)
	assert.NoError(t, s.Err)

	assert.True(t, m.IsAuthorized(auth.RoleEditor), "admin satisfies editor")
	assert.True(t, m.IsAuthorized(auth.RoleAdmin))
	assert.False(t, m.IsAuthorized(auth.RoleSuperAdmin))
	assert.False(t, m.IsAuthorized(), "empty requirement is never satisfied")
}

func TestManager_EditorCannotReachAdmin(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleEditor
	m, src := newTestManager(t, roles)
	m.Start()
	src.emit(alice)
	await(t, m)

	assert.False(t, m.IsAuthorized(auth.RoleAdmin))
	assert.True(t, m.IsAuthorized(auth.RoleAdmin, auth.RoleEditor), "any acceptable role suffices")
}

func TestManager_RoleNotFoundFailsClosed(t *testing.T) {
	m, src := newTestManager(t, newFakeRoles())
	m.Start()
	src.emit(alice)
	s := await(t, m)

	assert.Equal(t, StateError, s.State)
	assert.Nil(t, s.Identity, "identity must be cleared")
	assert.Equal(t, auth.RoleNone, s.Role, "no default role")
	assert.ErrorIs(t, s.Err, ErrRoleNotFound)
	assert.Equal(t, "role not found", s.ErrorMessage())
	for _, r := range auth.AllRoles() {
		assert.False(t, m.IsAuthorized(r))
	}
}

func TestManager_LookupFailureFailsClosed(t *testing.T) {
	roles := newFakeRoles()
	roles.errs["alice"] = errors.New("connection refused")
	m, src := newTestManager(t, roles)
	m.Start()
	src.emit(alice)
	s := await(t, m)

	assert.Equal(t, StateError, s.State)
	assert.Nil(t, s.Identity)
	assert.ErrorIs(t, s.Err, ErrAuthentication)
	assert.NotErrorIs(t, s.Err, ErrRoleNotFound)
	assert.Equal(t, "authentication error", s.ErrorMessage())
	assert.False(t, m.IsAuthorized(auth.RoleViewer))
}

func TestManager_InvalidRoleFromSourceFailsClosed(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleNone
	m, src := newTestManager(t, roles)
	m.Start()
	src.emit(alice)
	s := await(t, m)

	assert.Equal(t, StateError, s.State)
	assert.ErrorIs(t, s.Err, ErrRoleNotFound)
}

func TestManager_SignOutClears(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleViewer
	m, src := newTestManager(t, roles)
	m.Start()
	src.emit(alice)
	await(t, m)

	src.emit(nil)
	s := m.Session()
	assert.Equal(t, StateUnauthenticated, s.State, "sign-out applies immediately")
	assert.Nil(t, s.Identity)
	assert.NoError(t, s.Err)
	assert.False(t, m.IsAuthorized(auth.RoleViewer))
}

func TestManager_RecoversAfterError(t *testing.T) {
	roles := newFakeRoles()
	m, src := newTestManager(t, roles)
	m.Start()
	src.emit(alice)
	require.Equal(t, StateError, await(t, m).State)

	roles.mu.Lock()
	roles.roles["alice"] = auth.RoleEditor
	roles.mu.Unlock()
	src.emit(alice)
	s := await(t, m)
	assert.Equal(t, StateAuthenticated, s.State)
	assert.NoError(t, s.Err)
}

func TestManager_StaleLookupDiscarded(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleSuperAdmin
	gate := make(chan struct{})
	roles.gates["alice"] = gate
	m, src := newTestManager(t, roles)
	m.Start()

	src.emit(alice)
	assert.Equal(t, StateLoading, m.Session().State)
	assert.Nil(t, m.Session().Identity, "pending identity is not exposed")

	src.emit(nil)
	require.Equal(t, StateUnauthenticated, m.Session().State)

	close(gate)
	require.Eventually(t, func() bool { return roles.returned.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return m.Session().State != StateUnauthenticated }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, m.IsAuthorized(auth.RoleViewer))
}

func TestManager_LastIdentityWins(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleSuperAdmin
	roles.roles["bob"] = auth.RoleViewer
	gate := make(chan struct{})
	roles.gates["alice"] = gate
	m, src := newTestManager(t, roles)
	m.Start()

	bob := &auth.Identity{UID: "bob"}
	src.emit(alice)
	src.emit(bob)
	s := await(t, m)
	require.Equal(t, "bob", s.Identity.UID)

	close(gate)
	require.Eventually(t, func() bool { return roles.returned.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return m.Session().Role != auth.RoleViewer }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestManager_LookupTimeout(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src, slowRoles{}, Config{LookupTimeout: 20 * time.Millisecond})
	defer m.Close()
	m.Start()

	src.emit(alice)
	s := await(t, m)
	assert.Equal(t, StateError, s.State)
	assert.ErrorIs(t, s.Err, ErrAuthentication)
}

// slowRoles honours cancellation but never answers on its own.
type slowRoles struct{}

func (slowRoles) LookupRole(ctx context.Context, _ string) (auth.Role, error) {
	<-ctx.Done()
	return auth.RoleNone, ctx.Err()
}

func TestManager_SubscribeSeesTransitionsInOrder(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleEditor
	m, src := newTestManager(t, roles)

	var mu sync.Mutex
	var states []State
	unsub := m.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	delivered := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(states)
	}

	m.Start()
	src.emit(alice)
	await(t, m)
	src.emit(nil)
	require.Eventually(t, func() bool { return delivered() == 4 }, 2*time.Second, time.Millisecond)
	unsub()
	src.emit(alice)
	await(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateLoading, StateLoading, StateAuthenticated, StateUnauthenticated}, states)
}

func TestManager_SubscriberReadsSessionWhileTransitionsOverlap(t *testing.T) {
	m, src := newTestManager(t, newFakeRoles())
	m.Start()

	parked := make(chan struct{})
	release := make(chan struct{})
	var park sync.Once
	var mu sync.Mutex
	var states []State
	m.Subscribe(func(s Snapshot) {
		park.Do(func() {
			close(parked)
			<-release
		})
		_ = m.Session()
		_ = m.IsAuthorized(auth.RoleViewer)
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	go src.emit(nil)
	<-parked

	// A second transition must not wait for the parked subscriber.
	done := make(chan struct{})
	go func() {
		src.emit(alice)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transition blocked behind a running subscriber")
	}

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 2*time.Second, time.Millisecond, "subscriber deliveries stalled")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateUnauthenticated, StateLoading, StateError}, states)
	assert.Equal(t, StateError, m.Session().State)
}

func TestManager_AwaitHonoursContext(t *testing.T) {
	m, _ := newTestManager(t, newFakeRoles())
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := m.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateLoading, s.State)
}

func TestManager_CloseIsTerminal(t *testing.T) {
	roles := newFakeRoles()
	roles.roles["alice"] = auth.RoleAdmin
	src := &fakeSource{}
	m := NewManager(src, roles, Config{})
	m.Start()
	src.emit(alice)
	await(t, m)

	m.Close()
	m.Close()
	assert.True(t, src.unsubscribed)
	assert.Equal(t, StateUnauthenticated, m.Session().State)

	src.emit(alice)
	assert.Equal(t, StateUnauthenticated, m.Session().State, "closed manager ignores notifications")
	m.Start()
	assert.Equal(t, StateUnauthenticated, m.Session().State)
}

func TestSnapshot_AuthorizedIsTotal(t *testing.T) {
	required := [][]auth.Role{nil, {}, {auth.RoleViewer}, {auth.RoleSuperAdmin}, {auth.RoleNone}, {auth.Role(42)}}
	snaps := []Snapshot{
		{},
		{State: StateLoading},
		{State: StateUnauthenticated},
		{State: StateError, Err: ErrAuthentication},
		{State: StateAuthenticated, Identity: alice, Role: auth.RoleSuperAdmin},
		{State: StateAuthenticated, Identity: nil, Role: auth.RoleSuperAdmin},
		{State: StateAuthenticated, Identity: alice, Role: auth.Role(-3)},
	}
	for _, s := range snaps {
		for _, req := range required {
			assert.NotPanics(t, func() { s.Authorized(req...) })
		}
		if s.Identity == nil {
			for _, req := range required {
				assert.False(t, s.Authorized(req...), "no identity must never authorize (%v, %v)", s.State, req)
			}
		}
	}
}
