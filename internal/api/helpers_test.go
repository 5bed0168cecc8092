package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hatemosphere/agency-console/internal/account"
	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/storage"
)

func init() {
	audit.Enabled = false
}

const testPassword = "password1"

// testConsole holds a running console server for HTTP tests.
type testConsole struct {
	URL      string
	srv      *Server
	store    *storage.SQLiteStore
	provider *identity.LocalProvider
}

// startConsole starts a fresh console on a real SQLite database and the
// local identity provider.
func startConsole(t *testing.T, opts ...ServerOption) *testConsole {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "test",
		TTL:        time.Hour,
	})
	require.NoError(t, err)

	provider, err := identity.NewLocalProvider(store, identity.LocalConfig{
		Tokens:     tokens,
		Mailer:     identity.NewOutboxMailer(store),
		PublicURL:  "https://console.agency.test",
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	roles := auth.NewRoleCache(store, 64, 0)
	opts = append([]ServerOption{WithHealthCheck(store.Ping)}, opts...)
	srv, err := NewServer(account.NewService(provider, store, roles), content.NewSite(store), roles, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = provider.Close()
		_ = store.Close()
	})
	return &testConsole{URL: ts.URL, srv: srv, store: store, provider: provider}
}

// seedUser creates an account with a console role and returns its UID.
func (tc *testConsole) seedUser(t *testing.T, email string, role auth.Role) string {
	t.Helper()
	ctx := context.Background()
	uid, err := tc.provider.EnsureAccount(ctx, email, testPassword, "")
	require.NoError(t, err)
	require.NoError(t, tc.store.CreateUser(ctx, &storage.User{UID: uid, Email: email, Role: role.String()}))
	return uid
}

// browser is an HTTP client with its own cookie jar that does not follow
// redirects, so each one is a separate console client.
type browser struct {
	t    *testing.T
	base string
	http *http.Client
}

func (tc *testConsole) newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:    t,
		base: tc.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// do sends body as JSON and returns the response with its body read.
func (b *browser) do(method, path string, body any) (*http.Response, []byte) {
	b.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(b.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, b.base+path, r)
	require.NoError(b.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.send(req)
}

func (b *browser) send(req *http.Request) (*http.Response, []byte) {
	b.t.Helper()
	resp, err := b.http.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp, data
}

func (b *browser) get(path string) (*http.Response, []byte) {
	b.t.Helper()
	return b.do(http.MethodGet, path, nil)
}

// postForm submits an HTML form.
func (b *browser) postForm(path string, form url.Values) (*http.Response, []byte) {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.send(req)
}

// signIn signs the browser in through the API and returns the session.
func (b *browser) signIn(email string) SessionView {
	b.t.Helper()
	resp, body := b.do(http.MethodPost, "/api/auth/sign-in", Credentials{Email: email, Password: testPassword})
	require.Equal(b.t, http.StatusOK, resp.StatusCode, string(body))
	var v SessionView
	require.NoError(b.t, json.Unmarshal(body, &v))
	return v
}

var csrfField = regexp.MustCompile(`name="csrf" value="([^"]+)"`)

// csrfToken extracts the form token from a rendered page.
func csrfToken(t *testing.T, page []byte) string {
	t.Helper()
	m := csrfField.FindSubmatch(page)
	require.NotNil(t, m, "no csrf field in page:\n%s", page)
	return string(m[1])
}

func decodeJSON[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}
