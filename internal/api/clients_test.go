package api

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/session"
)

// releaseRecorder records which clients the registry released.
type releaseRecorder struct {
	identity.Provider
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) Release(clientID string) {
	r.mu.Lock()
	r.released = append(r.released, clientID)
	r.mu.Unlock()
	r.Provider.Release(clientID)
}

func (r *releaseRecorder) Released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type noRoles struct{}

func (noRoles) LookupRole(context.Context, string) (auth.Role, error) {
	return auth.RoleNone, auth.ErrRoleNotFound
}

func testHandle(c byte) string {
	return auth.ClientHandlePrefix + strings.Repeat(string(c), 64)
}

func TestClientRegistry_EvictionReleasesClient(t *testing.T) {
	tc := startConsole(t)
	rec := &releaseRecorder{Provider: tc.provider}
	r, err := newClientRegistry(rec, noRoles{}, 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	first := r.get(testHandle('a'))
	assert.Same(t, first, r.get(testHandle('a')))

	r.get(testHandle('b'))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{auth.HashClientHandle(testHandle('a'))}, rec.Released())

	// The evicted client's session is closed for good.
	assert.Equal(t, session.StateUnauthenticated, first.session.Session().State)

	// Coming back creates a fresh client.
	assert.NotSame(t, first, r.get(testHandle('a')))
}

func TestClientRegistry_ResolveIssuesHandle(t *testing.T) {
	tc := startConsole(t)
	r, err := newClientRegistry(tc.provider, noRoles{}, 8, time.Second)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	for _, bad := range []string{"", "acs-short", "xyz-" + strings.Repeat("a", 64)} {
		c, issued, err := r.resolve(bad)
		require.NoError(t, err)
		require.NotEmpty(t, issued, bad)
		assert.True(t, validHandle(issued))
		assert.Equal(t, auth.HashClientHandle(issued), c.id)
	}

	c, issued, err := r.resolve(testHandle('c'))
	require.NoError(t, err)
	assert.Empty(t, issued)
	assert.Equal(t, auth.HashClientHandle(testHandle('c')), c.id)
}

func TestClientRegistry_CloseReleasesAll(t *testing.T) {
	tc := startConsole(t)
	rec := &releaseRecorder{Provider: tc.provider}
	r, err := newClientRegistry(rec, noRoles{}, 8, time.Second)
	require.NoError(t, err)

	r.get(testHandle('a'))
	r.get(testHandle('b'))
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Len(t, rec.Released(), 2)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}
