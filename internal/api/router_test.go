package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/content"
)

// --- Auth ---

func TestSignIn_ResolvesRole(t *testing.T) {
	tc := startConsole(t)
	uid := tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)

	v := b.signIn("ed@agency.test")
	assert.Equal(t, "authenticated", v.State)
	assert.True(t, v.SignedIn)
	assert.Equal(t, uid, v.UID)
	assert.Equal(t, "editor", v.Role)

	resp, body := b.get("/api/auth/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, v, decodeJSON[SessionView](t, body))
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)

	resp, body := b.do(http.MethodPost, "/api/auth/sign-in", Credentials{Email: "ed@agency.test", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))

	_, body = b.get("/api/auth/session")
	assert.Equal(t, "unauthenticated", decodeJSON[SessionView](t, body).State)
}

func TestSignIn_ValidationError(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, body := b.do(http.MethodPost, "/api/auth/sign-in", Credentials{Email: "not-an-email", Password: "x"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	e := decodeJSON[ConsoleError](t, body)
	assert.Contains(t, e.Fields, "email")
}

func TestSignIn_WithoutRoleFailsClosed(t *testing.T) {
	tc := startConsole(t)
	// An account with no user record has no console role.
	_, err := tc.provider.EnsureAccount(context.Background(), "ghost@agency.test", testPassword, "")
	require.NoError(t, err)
	b := tc.newBrowser(t)

	v := b.signIn("ghost@agency.test")
	assert.Equal(t, "error", v.State)
	assert.False(t, v.SignedIn)
	assert.Empty(t, v.Role)
	assert.NotEmpty(t, v.Error)

	resp, _ := b.get("/api/console/testimonials")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignOut(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)
	b.signIn("ed@agency.test")

	resp, body := b.do(http.MethodPost, "/api/auth/sign-out", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "unauthenticated", decodeJSON[SessionView](t, body).State)

	resp, _ = b.get("/api/console/testimonials")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Signing out again is harmless.
	resp, _ = b.do(http.MethodPost, "/api/auth/sign-out", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClients_AreIsolated(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	signedIn := tc.newBrowser(t)
	other := tc.newBrowser(t)

	signedIn.signIn("ed@agency.test")

	_, body := other.get("/api/auth/session")
	assert.Equal(t, "unauthenticated", decodeJSON[SessionView](t, body).State)
	resp, _ := other.get("/api/console/testimonials")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientCookieIssued(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, _ := b.get("/api/auth/session")
	var ck *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == clientCookieName {
			ck = c
		}
	}
	require.NotNil(t, ck, "client cookie not set")
	assert.True(t, validHandle(ck.Value))
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)

	// The cookie is only issued once.
	resp, _ = b.get("/api/auth/session")
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Equal(t, float64(1), tc.srv.ClientCount())
}

func TestRegister_PendingRequest(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, body := b.do(http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "new@agency.test",
		"password": "secret-pw",
		"message":  "Hi, I run the blog.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	req := decodeJSON[RegistrationRequestView](t, body)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, "editor", req.RequestedRole)

	// Registration leaves the client signed out.
	_, body = b.get("/api/auth/session")
	assert.Equal(t, "unauthenticated", decodeJSON[SessionView](t, body).State)

	resp, _ = b.do(http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "new@agency.test",
		"password": "secret-pw",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPasswordReset_UnknownEmailAccepted(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, _ := b.do(http.MethodPost, "/api/auth/password-reset", map[string]string{"email": "nobody@agency.test"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = b.do(http.MethodPost, "/api/auth/password-reset/confirm", map[string]string{"token": "bogus", "password": "new-password"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Guard ---

func TestConsoleAPI_RoleEnforced(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "vi@agency.test", auth.RoleViewer)
	b := tc.newBrowser(t)
	b.signIn("vi@agency.test")

	resp, _ := b.get("/api/console/testimonials")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.do(http.MethodPost, "/api/console/testimonials", content.Testimonial{Quote: "Great", Author: "Ann"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = b.get("/api/console/users")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConsoleAPI_RequiresSignIn(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	for _, path := range []string{"/api/console/hero", "/api/console/testimonials", "/api/console/users"} {
		resp, body := b.get(path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, string(body), "sign in required", path)
	}
}

// --- Content ---

func TestContent_SingletonLifecycle(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)
	b.signIn("ed@agency.test")

	resp, body := b.get("/api/console/hero")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "hero has not been saved yet")

	resp, body = b.do(http.MethodPut, "/api/console/hero", content.Hero{Title: "We grow brands"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	e := decodeJSON[content.Entry[content.Hero]](t, body)
	assert.Equal(t, "We grow brands", e.Data.Title)
	assert.Equal(t, "ed@agency.test", e.UpdatedBy)

	resp, body = b.get("/api/console/hero")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "We grow brands", decodeJSON[content.Entry[content.Hero]](t, body).Data.Title)

	resp, body = b.do(http.MethodPut, "/api/console/hero", content.Hero{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	assert.Contains(t, decodeJSON[ConsoleError](t, body).Fields, "title")
}

func TestContent_CollectionLifecycle(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)
	b.signIn("ed@agency.test")

	var ids []string
	for _, author := range []string{"Ann", "Bob", "Cy"} {
		resp, body := b.do(http.MethodPost, "/api/console/testimonials", content.Testimonial{Quote: "Great work", Author: author})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		ids = append(ids, decodeJSON[content.Entry[content.Testimonial]](t, body).ID)
	}

	authors := func(body []byte) []string {
		list := decodeJSON[struct {
			Items []content.Entry[content.Testimonial] `json:"items"`
		}](t, body)
		var out []string
		for _, e := range list.Items {
			out = append(out, e.Data.Author)
		}
		return out
	}

	resp, body := b.do(http.MethodPost, "/api/console/testimonials/"+ids[2]+"/move", map[string]int{"index": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []string{"Cy", "Ann", "Bob"}, authors(body))

	resp, body = b.do(http.MethodPut, "/api/console/testimonials/order", map[string][]string{"ids": {ids[1], ids[0], ids[2]}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []string{"Bob", "Ann", "Cy"}, authors(body))

	resp, _ = b.do(http.MethodPut, "/api/console/testimonials/order", map[string][]string{"ids": {ids[0]}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = b.do(http.MethodPut, "/api/console/testimonials/"+ids[0], content.Testimonial{Quote: "Even better", Author: "Ann"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Even better", decodeJSON[content.Entry[content.Testimonial]](t, body).Data.Quote)

	resp, _ = b.do(http.MethodDelete, "/api/console/testimonials/"+ids[1], nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = b.get("/api/console/testimonials/" + ids[1])
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = b.get("/api/console/testimonials/not%20an%20id")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The public site reflects the saved order.
	anon := tc.newBrowser(t)
	resp, body = anon.get("/api/site")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))
	site := decodeJSON[content.Snapshot](t, body)
	require.Len(t, site.Testimonials, 2)
	assert.Equal(t, "Ann", site.Testimonials[0].Author)
	assert.Equal(t, "Cy", site.Testimonials[1].Author)
}

// --- Users ---

func TestUsers_SetRole(t *testing.T) {
	tc := startConsole(t)
	rootUID := tc.seedUser(t, "root@agency.test", auth.RoleSuperAdmin)
	edUID := tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)
	b.signIn("root@agency.test")

	resp, body := b.do(http.MethodPut, "/api/console/users/"+edUID+"/role", map[string]string{"role": "admin"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	resp, body = b.get("/api/console/users")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decodeJSON[struct {
		Users []UserView `json:"users"`
	}](t, body).Users
	roles := map[string]string{}
	for _, u := range users {
		roles[u.UID] = u.Role
	}
	assert.Equal(t, "admin", roles[edUID])

	resp, _ = b.do(http.MethodPut, "/api/console/users/"+rootUID+"/role", map[string]string{"role": "viewer"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = b.do(http.MethodPut, "/api/console/users/"+edUID+"/role", map[string]string{"role": "owner"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = b.do(http.MethodPut, "/api/console/users/missing/role", map[string]string{"role": "viewer"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegistrationRequests_Approve(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "admin@agency.test", auth.RoleAdmin)

	applicant := tc.newBrowser(t)
	resp, body := applicant.do(http.MethodPost, "/api/auth/register", map[string]string{
		"email":         "new@agency.test",
		"password":      testPassword,
		"requestedRole": "super_admin",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	reqID := decodeJSON[RegistrationRequestView](t, body).ID

	admin := tc.newBrowser(t)
	admin.signIn("admin@agency.test")

	resp, body = admin.get("/api/console/registration-requests?status=pending")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	list := decodeJSON[struct {
		Requests []RegistrationRequestView `json:"requests"`
	}](t, body).Requests
	require.Len(t, list, 1)
	assert.Equal(t, reqID, list[0].ID)

	resp, _ = admin.get("/api/console/registration-requests?status=bogus")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// The requested role is above the approver's own.
	resp, _ = admin.do(http.MethodPost, "/api/console/registration-requests/"+reqID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = admin.do(http.MethodPost, "/api/console/registration-requests/"+reqID+"/approve", ApproveBody{Role: "editor"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "approved", decodeJSON[RegistrationRequestView](t, body).Status)

	resp, _ = admin.do(http.MethodPost, "/api/console/registration-requests/"+reqID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	v := applicant.signIn("new@agency.test")
	assert.Equal(t, "editor", v.Role)
}

// --- Meta ---

func TestHealthCheck(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, body := b.get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	tc := startConsole(t, WithHealthCheck(func(context.Context) error { return errors.New("closed") }))
	b := tc.newBrowser(t)

	resp, _ := b.get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSkipManagementRoutes(t *testing.T) {
	tc := startConsole(t, WithSkipManagementRoutes())
	b := tc.newBrowser(t)

	resp, _ := b.get("/healthz")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = b.get("/api/site")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	tc := startConsole(t)
	b := tc.newBrowser(t)

	resp, _ := b.get("/login")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
}

func TestGzipRequestBody(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(`{"email":"ed@agency.test","password":"` + testPassword + `"}`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	req, err := http.NewRequest(http.MethodPost, tc.URL+"/api/auth/sign-in", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	resp, body := b.send(req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "editor", decodeJSON[SessionView](t, body).Role)

	req, err = http.NewRequest(http.MethodPost, tc.URL+"/api/auth/sign-in", strings.NewReader("plain"))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "gzip")
	resp, _ = b.send(req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
