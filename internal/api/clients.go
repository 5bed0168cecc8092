package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/session"
)

// clientCookieName holds the console client handle. Whoever presents the
// handle acts as that client, including its signed-in session, so it is a
// bearer credential: keep the cookie HttpOnly and never log the raw value
// (use the hashed id).
const clientCookieName = "acs_client"

// consoleClient is one browser (or API consumer) talking to the console: its
// connection to the identity provider and the session manager following it.
type consoleClient struct {
	id      string // hashed handle, also the identity provider client ID
	auth    identity.Auth
	session *session.Manager
}

// clientRegistry keeps a bounded set of console clients. The least recently
// used client is dropped when the registry is full; dropping a client closes
// its session and releases its identity provider state.
type clientRegistry struct {
	provider      identity.Provider
	roles         session.RoleSource
	lookupTimeout time.Duration

	mu    sync.Mutex // serializes get-or-create
	cache *lru.Cache[string, *consoleClient]
}

func newClientRegistry(provider identity.Provider, roles session.RoleSource, size int, lookupTimeout time.Duration) (*clientRegistry, error) {
	r := &clientRegistry{
		provider:      provider,
		roles:         roles,
		lookupTimeout: lookupTimeout,
	}
	cache, err := lru.NewWithEvict[string, *consoleClient](size, r.drop)
	if err != nil {
		return nil, fmt.Errorf("client registry: %w", err)
	}
	r.cache = cache
	return r, nil
}

func (r *clientRegistry) drop(id string, c *consoleClient) {
	c.session.Close()
	r.provider.Release(id)
	slog.Debug("console client dropped", "client", shortID(id))
}

// get returns the client for handle, creating and starting it on first use.
func (r *clientRegistry) get(handle string) *consoleClient {
	id := auth.HashClientHandle(handle)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache.Get(id); ok {
		return c
	}
	a := r.provider.Client(id)
	m := session.NewManager(a, r.roles, session.Config{
		LookupTimeout: r.lookupTimeout,
		Name:          shortID(id),
	})
	m.Start()
	c := &consoleClient{id: id, auth: a, session: m}
	if r.cache.Add(id, c) {
		clientEvictionsTotal.Inc()
	}
	return c
}

// resolve returns the client named by handle. A missing or malformed handle
// gets a fresh one, returned as issued so the caller can set the cookie.
func (r *clientRegistry) resolve(handle string) (c *consoleClient, issued string, err error) {
	if validHandle(handle) {
		return r.get(handle), "", nil
	}
	issued, err = auth.GenerateClientHandle()
	if err != nil {
		return nil, "", err
	}
	return r.get(issued), issued, nil
}

// Len returns the number of live clients.
func (r *clientRegistry) Len() int {
	return r.cache.Len()
}

// Close drops every client.
func (r *clientRegistry) Close() {
	r.cache.Purge()
}

func validHandle(h string) bool {
	return len(h) == len(auth.ClientHandlePrefix)+64 && strings.HasPrefix(h, auth.ClientHandlePrefix)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type clientKey struct{}

// withClient stores c and its session manager in the context.
func withClient(ctx context.Context, c *consoleClient) context.Context {
	ctx = context.WithValue(ctx, clientKey{}, c)
	return session.WithManager(ctx, c.session)
}

func clientFromContext(ctx context.Context) *consoleClient {
	c, _ := ctx.Value(clientKey{}).(*consoleClient)
	return c
}

func (s *Server) clientCookie(handle string) *http.Cookie {
	return &http.Cookie{
		Name:     clientCookieName,
		Value:    handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// clientHumaMiddleware attaches the caller's console client to the context,
// issuing a client cookie when the request has none.
func (s *Server) clientHumaMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		var handle string
		if ck, err := huma.ReadCookie(ctx, clientCookieName); err == nil {
			handle = ck.Value
		}
		c, issued, err := s.clients.resolve(handle)
		if err != nil {
			slog.Error("resolve console client", "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal error")
			return
		}
		if issued != "" {
			ctx.AppendHeader("Set-Cookie", s.clientCookie(issued).String())
		}
		next(huma.WithContext(ctx, withClient(ctx.Context(), c)))
	}
}

// clientMiddleware is clientHumaMiddleware for plain net/http page handlers.
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var handle string
		if ck, err := r.Cookie(clientCookieName); err == nil {
			handle = ck.Value
		}
		c, issued, err := s.clients.resolve(handle)
		if err != nil {
			slog.Error("resolve console client", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if issued != "" {
			http.SetCookie(w, s.clientCookie(issued))
		}
		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), c)))
	})
}

// settleAfter runs fn, which triggers an identity change, and waits up to
// the settle timeout for the session to reach the state done accepts. Only
// transitions after fn starts are considered, so a stale snapshot never
// satisfies done. The latest snapshot is returned either way.
func (s *Server) settleAfter(ctx context.Context, m *session.Manager, done func(seenPending bool, snap session.Snapshot) bool, fn func() error) (session.Snapshot, error) {
	settled := make(chan session.Snapshot, 1)
	seenPending := false // only touched by the serialized subscriber
	unsub := m.Subscribe(func(snap session.Snapshot) {
		if snap.Pending() {
			seenPending = true
		}
		if done(seenPending, snap) {
			select {
			case settled <- snap:
			default:
			}
		}
	})
	defer unsub()

	if err := fn(); err != nil {
		return m.Session(), err
	}

	timer := time.NewTimer(s.settleTimeout)
	defer timer.Stop()
	select {
	case snap := <-settled:
		return snap, nil
	case <-timer.C:
		slog.Warn("session did not settle in time", "timeout", s.settleTimeout)
	case <-ctx.Done():
	}
	return m.Session(), nil
}

// signOut signs c out and waits for its session to follow. A client the
// provider already considers signed out has nothing to wait for.
func (s *Server) signOut(ctx context.Context, c *consoleClient) (session.Snapshot, error) {
	if c.auth.Current() == nil {
		err := s.accounts.SignOut(ctx, c.auth)
		return c.session.Session(), err
	}
	return s.settleAfter(ctx, c.session, signedOutSettled, func() error {
		return s.accounts.SignOut(ctx, c.auth)
	})
}

// signedInSettled accepts the first settled state after a sign-in started
// resolving a role.
func signedInSettled(seenPending bool, snap session.Snapshot) bool {
	return seenPending && !snap.Pending()
}

func signedOutSettled(_ bool, snap session.Snapshot) bool {
	return snap.State == session.StateUnauthenticated
}
