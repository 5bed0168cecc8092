package api

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/storage"
)

// registerPages registers the server-rendered console pages on mux.
func (s *Server) registerPages(mux *http.ServeMux) {
	page := func(h http.HandlerFunc) http.Handler { return s.clientMiddleware(h) }
	guarded := func(h http.HandlerFunc, roles ...auth.Role) http.Handler {
		return s.clientMiddleware(s.guard.Page(roles...)(h))
	}

	mux.Handle("GET /login", page(s.handleLoginForm))
	mux.Handle("POST /login", page(s.handleLogin))
	mux.Handle("POST /logout", page(s.handleLogout))
	mux.Handle("GET /unauthorized", page(s.handleUnauthorized))
	mux.Handle("GET /verify-email", page(s.handleVerifyEmail))
	mux.Handle("GET /reset-password", page(s.handleResetForm))
	mux.Handle("POST /reset-password", page(s.handleReset))

	mux.Handle("GET /console", guarded(s.handleDashboard, auth.RoleViewer))
	mux.Handle("GET /console/users", guarded(s.handleUsersPage, auth.RoleAdmin))
}

// handleLoginForm serves the sign-in form. A client that is already signed
// in with a console role goes straight to next.
func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	snap := s.guard.Session(r.Context())
	if snap.Authorized(auth.RoleViewer) {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	s.renderLogin(w, r, http.StatusOK, next, "", snap.ErrorMessage())
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, next, email, msg string) {
	c := clientFromContext(r.Context())
	renderPage(w, status, "login", map[string]any{
		"Title": "Sign in",
		"Next":  next,
		"Email": email,
		"Error": msg,
		"CSRF":  s.csrf.Issue(nonceKey(c.id, "login")),
	})
}

// handleLogin signs the client in and, once its session has settled, sends
// it on to next.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	c := clientFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		renderMessage(w, http.StatusBadRequest, "Sign-in failed", "The form could not be read.", "/login")
		return
	}
	next := safeNext(r.PostFormValue("next"))
	email := r.PostFormValue("email")
	if !s.checkForm(r, c, "login") {
		s.renderLogin(w, r, http.StatusBadRequest, next, email, "Your form expired. Please try again.")
		return
	}

	snap, err := s.settleAfter(r.Context(), c.session, signedInSettled, func() error {
		_, err := s.accounts.SignIn(r.Context(), c.auth, email, r.PostFormValue("password"), r.RemoteAddr)
		return err
	})
	switch {
	case isAuthFailure(err):
		s.renderLogin(w, r, http.StatusUnauthorized, next, email, "Invalid email or password.")
		return
	case err != nil:
		slog.Error("sign-in failed", "error", err)
		s.renderLogin(w, r, statusFor(err), next, email, "Sign-in failed. Please try again.")
		return
	case snap.Err != nil:
		// Signed in with the provider, but no usable role.
		s.renderLogin(w, r, http.StatusForbidden, next, email, "Sign-in failed: "+snap.ErrorMessage()+".")
		return
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := clientFromContext(r.Context())
	if !s.checkForm(r, c, "logout") {
		renderMessage(w, http.StatusBadRequest, "Sign-out failed", "Your form expired. Please try again.", "/console")
		return
	}
	if _, err := s.signOut(r.Context(), c); err != nil {
		slog.Error("sign-out failed", "error", err)
		renderMessage(w, http.StatusInternalServerError, "Sign-out failed", "Please try again.", "/console")
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	c := clientFromContext(r.Context())
	snap := s.guard.Session(r.Context())
	renderPage(w, http.StatusForbidden, "unauthorized", map[string]any{
		"Title":     "Not authorized",
		"Principal": snap.Principal(),
		"CSRF":      s.csrf.Issue(nonceKey(c.id, "logout")),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	c := clientFromContext(r.Context())
	p := auth.PrincipalFromContext(r.Context())
	site, err := s.site.Snapshot(r.Context())
	if err != nil {
		slog.Error("load site for dashboard", "error", err)
		renderMessage(w, http.StatusInternalServerError, "Console unavailable", "Site content could not be loaded.", "/console")
		return
	}
	renderPage(w, http.StatusOK, "dashboard", map[string]any{
		"Title":     "Console",
		"Principal": p,
		"Site":      site,
		"CanEdit":   auth.Authorized(p.Role, auth.RoleEditor),
		"CanAdmin":  auth.Authorized(p.Role, auth.RoleAdmin),
		"CSRF":      s.csrf.Issue(nonceKey(c.id, "logout")),
	})
}

func (s *Server) handleUsersPage(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.ListUsers(r.Context())
	if err != nil {
		slog.Error("list users for page", "error", err)
		renderMessage(w, http.StatusInternalServerError, "Users unavailable", "Users could not be loaded.", "/console")
		return
	}
	pending, err := s.accounts.ListRegistrationRequests(r.Context(), storage.RequestPending)
	if err != nil {
		slog.Error("list registration requests for page", "error", err)
		renderMessage(w, http.StatusInternalServerError, "Users unavailable", "Registration requests could not be loaded.", "/console")
		return
	}
	renderPage(w, http.StatusOK, "users", map[string]any{
		"Title":     "Users",
		"Principal": auth.PrincipalFromContext(r.Context()),
		"Users":     users,
		"Pending":   pending,
	})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.ConfirmEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		renderMessage(w, statusFor(err), "Email not confirmed", "This confirmation link is invalid or has expired.", "/login")
		return
	}
	renderMessage(w, http.StatusOK, "Email confirmed", "Thanks, your email address is confirmed.", "/login")
}

func (s *Server) handleResetForm(w http.ResponseWriter, r *http.Request) {
	s.renderReset(w, r, http.StatusOK, r.URL.Query().Get("token"), "")
}

func (s *Server) renderReset(w http.ResponseWriter, r *http.Request, status int, token, msg string) {
	c := clientFromContext(r.Context())
	renderPage(w, status, "reset", map[string]any{
		"Title": "Choose a new password",
		"Token": token,
		"Error": msg,
		"CSRF":  s.csrf.Issue(nonceKey(c.id, "reset")),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	c := clientFromContext(r.Context())
	token := r.PostFormValue("token")
	if !s.checkForm(r, c, "reset") {
		s.renderReset(w, r, http.StatusBadRequest, token, "Your form expired. Please try again.")
		return
	}
	if err := s.accounts.ResetPassword(r.Context(), token, r.PostFormValue("password")); err != nil {
		status := statusFor(err)
		msg := "Password could not be reset. Please try again."
		if status != http.StatusInternalServerError {
			msg = err.Error()
		} else {
			slog.Error("password reset failed", "error", err)
		}
		s.renderReset(w, r, status, token, msg)
		return
	}
	renderMessage(w, http.StatusOK, "Password changed", "You can now sign in with your new password.", "/login")
}

// checkForm spends the form token posted for form. Refusals are counted
// and audited.
func (s *Server) checkForm(r *http.Request, c *consoleClient, form string) bool {
	if s.csrf.Validate(nonceKey(c.id, form), r.PostFormValue("csrf")) {
		return true
	}
	csrfRejectionsTotal.WithLabelValues(form).Inc()
	audit.Event{
		Actor:  "anonymous",
		Action: form,
		Status: audit.StatusDenied,
		Reason: "form token missing or spent",
		Method: r.Method,
		IP:     r.RemoteAddr,
		Client: shortID(c.id),
	}.Warn("Audit Log: Form Rejected")
	return false
}

// renderPage renders a page template into a buffer first so that a template
// error still produces a clean 500.
func renderPage(w http.ResponseWriter, status int, name string, data map[string]any) {
	var buf bytes.Buffer
	if err := pageTmpl.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("render page", "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func renderMessage(w http.ResponseWriter, status int, title, msg, back string) {
	renderPage(w, status, "message", map[string]any{
		"Title":   title,
		"Message": msg,
		"Back":    back,
	})
}

// --- HTML Templates ---

var pageTmpl = template.Must(template.New("pages").Parse(`
{{define "top"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · Agency Console</title>
<style>
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; color: #333; display: flex; justify-content: center; align-items: flex-start; min-height: 100vh; padding: 48px 16px; }
  .card { background: #fff; border-radius: 12px; box-shadow: 0 2px 12px rgba(0,0,0,0.1); padding: 40px; max-width: 720px; width: 100%; }
  h1 { font-size: 24px; margin-bottom: 8px; color: #1a1a2e; }
  h2 { font-size: 16px; margin: 24px 0 8px; color: #1a1a2e; }
  .muted { color: #666; font-size: 14px; margin-bottom: 16px; }
  .error { color: #d93025; font-size: 14px; margin-bottom: 16px; }
  label { display: block; font-size: 13px; font-weight: 600; color: #555; margin: 12px 0 4px; }
  input[type=email], input[type=password] { width: 100%; padding: 10px 12px; border: 1px solid #dadce0; border-radius: 6px; font-size: 14px; }
  button, .btn { display: inline-block; margin-top: 20px; padding: 10px 24px; background: #4285f4; color: #fff; border: none; border-radius: 6px; font-size: 14px; cursor: pointer; text-decoration: none; }
  button.link { background: none; color: #4285f4; padding: 0; margin: 0; }
  table { width: 100%; border-collapse: collapse; font-size: 14px; }
  th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; }
  nav { display: flex; gap: 16px; align-items: center; font-size: 14px; margin-bottom: 24px; }
  nav a { color: #4285f4; text-decoration: none; }
</style>
</head>
<body>
<div class="card">{{end}}

{{define "bottom"}}</div>
</body>
</html>{{end}}

{{define "signout"}}<form method="post" action="/logout"><input type="hidden" name="csrf" value="{{.CSRF}}"><button class="link" type="submit">Sign out</button></form>{{end}}

{{define "login"}}{{template "top" .}}
  <h1>Agency Console</h1>
  <p class="muted">Sign in to manage the site.</p>
  {{with .Error}}<p class="error">{{.}}</p>{{end}}
  <form method="post" action="/login">
    <input type="hidden" name="csrf" value="{{.CSRF}}">
    <input type="hidden" name="next" value="{{.Next}}">
    <label for="email">Email</label>
    <input id="email" type="email" name="email" value="{{.Email}}" required autofocus>
    <label for="password">Password</label>
    <input id="password" type="password" name="password" required>
    <button type="submit">Sign in</button>
  </form>
{{template "bottom" .}}{{end}}

{{define "unauthorized"}}{{template "top" .}}
  <h1>Not authorized</h1>
  {{with .Principal}}<p class="muted">You are signed in as {{.Name}} ({{.Role}}), which does not give access to that page.</p>
  <nav><a href="/console">Back to the console</a>{{template "signout" $}}</nav>
  {{else}}<p class="muted">You do not have access to that page.</p>
  <nav><a href="/login">Sign in</a></nav>{{end}}
{{template "bottom" .}}{{end}}

{{define "dashboard"}}{{template "top" .}}
  <nav><strong>Agency Console</strong>{{if .CanAdmin}}<a href="/console/users">Users</a>{{end}}<span class="muted">{{.Principal.Name}} · {{.Principal.Role}}</span>{{template "signout" .}}</nav>
  <h1>Site content</h1>
  <p class="muted">{{if .CanEdit}}You can edit every section.{{else}}You have read-only access.{{end}}</p>
  <table>
    <tr><th>Section</th><th>Status</th></tr>
    <tr><td>Hero</td><td>{{if .Site.Hero}}{{.Site.Hero.Title}}{{else}}not set{{end}}</td></tr>
    <tr><td>Header</td><td>{{if .Site.Header}}{{len .Site.Header.Nav}} navigation links{{else}}not set{{end}}</td></tr>
    <tr><td>Footer</td><td>{{if .Site.Footer}}{{len .Site.Footer.Links}} links{{else}}not set{{end}}</td></tr>
    <tr><td>Testimonials</td><td>{{len .Site.Testimonials}}</td></tr>
    <tr><td>Features</td><td>{{len .Site.Features}}</td></tr>
    <tr><td>Services</td><td>{{len .Site.Services}}</td></tr>
  </table>
{{template "bottom" .}}{{end}}

{{define "users"}}{{template "top" .}}
  <nav><a href="/console">Console</a><span class="muted">{{.Principal.Name}} · {{.Principal.Role}}</span></nav>
  <h1>Users</h1>
  <table>
    <tr><th>Email</th><th>Name</th><th>Role</th></tr>
    {{range .Users}}<tr><td>{{.Email}}</td><td>{{.DisplayName}}</td><td>{{.Role}}</td></tr>
    {{else}}<tr><td colspan="3">No users.</td></tr>{{end}}
  </table>
  <h2>Pending registrations</h2>
  <table>
    <tr><th>Email</th><th>Requested role</th><th>Message</th><th>Received</th></tr>
    {{range .Pending}}<tr><td>{{.Email}}</td><td>{{.RequestedRole}}</td><td>{{.Message}}</td><td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td></tr>
    {{else}}<tr><td colspan="4">Nothing to review.</td></tr>{{end}}
  </table>
{{template "bottom" .}}{{end}}

{{define "reset"}}{{template "top" .}}
  <h1>Choose a new password</h1>
  {{with .Error}}<p class="error">{{.}}</p>{{end}}
  <form method="post" action="/reset-password">
    <input type="hidden" name="csrf" value="{{.CSRF}}">
    <input type="hidden" name="token" value="{{.Token}}">
    <label for="password">New password</label>
    <input id="password" type="password" name="password" minlength="6" required autofocus>
    <button type="submit">Save password</button>
  </form>
{{template "bottom" .}}{{end}}

{{define "message"}}{{template "top" .}}
  <h1>{{.Title}}</h1>
  <p class="muted">{{.Message}}</p>
  <a class="btn" href="{{.Back}}">Continue</a>
{{template "bottom" .}}{{end}}
`))
