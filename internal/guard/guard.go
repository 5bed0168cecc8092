// Package guard decides whether a console page or API operation may run for
// the current session, and turns that decision into an HTTP response.
package guard

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/session"
)

// Decision is the outcome of a guard check.
type Decision int

const (
	Wait                  Decision = iota // session still loading: show a neutral waiting state
	RedirectSignIn                        // no identity: go to sign-in, then come back
	RedirectNotAuthorized                 // identity without a sufficient role
	Render                                // allowed
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case RedirectSignIn:
		return "sign_in"
	case RedirectNotAuthorized:
		return "not_authorized"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Decide maps a session snapshot and the acceptable roles to a Decision.
// It reads nothing but its arguments.
func Decide(s session.Snapshot, required ...auth.Role) Decision {
	switch {
	case s.Pending():
		return Wait
	case !s.SignedIn():
		return RedirectSignIn
	case !s.Authorized(required...):
		return RedirectNotAuthorized
	default:
		return Render
	}
}

// MetadataRoles is the huma Operation.Metadata key holding the []auth.Role
// an operation requires.
const MetadataRoles = "roles"

// Config configures a Guard.
type Config struct {
	SignInPath        string        // default "/login"
	NotAuthorizedPath string        // default "/unauthorized"
	SettleTimeout     time.Duration // wait this long for a loading session before deciding
	RetryAfter        time.Duration // advertised to API clients while loading (default 1s)
}

// Guard applies Decide to HTTP requests. The client's session.Manager must
// already be on the request context (see session.WithManager).
type Guard struct {
	cfg Config
}

var guardDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agency_console_guard_decisions_total",
		Help: "Route guard decisions by surface (page, api) and outcome.",
	},
	[]string{"surface", "decision"},
)

func init() {
	prometheus.MustRegister(guardDecisionsTotal)
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/login"
	}
	if cfg.NotAuthorizedPath == "" {
		cfg.NotAuthorizedPath = "/unauthorized"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &Guard{cfg: cfg}
}

// Session returns the session snapshot for ctx, waiting up to the settle
// timeout while it loads. A request without a session manager is treated as
// signed out.
func (g *Guard) Session(ctx context.Context) session.Snapshot {
	m := session.FromContext(ctx)
	if m == nil {
		return session.Snapshot{State: session.StateUnauthenticated}
	}
	s := m.Session()
	if s.Pending() && g.cfg.SettleTimeout > 0 {
		wctx, cancel := context.WithTimeout(ctx, g.cfg.SettleTimeout)
		s, _ = m.Await(wctx)
		cancel()
	}
	return s
}

// Check returns the session snapshot and decision for ctx.
func (g *Guard) Check(ctx context.Context, required ...auth.Role) (session.Snapshot, Decision) {
	s := g.Session(ctx)
	return s, Decide(s, required...)
}

// SignInURL returns the sign-in location that returns to next afterwards.
func (g *Guard) SignInURL(next string) string {
	return g.cfg.SignInPath + "?next=" + url.QueryEscape(next)
}

// NotAuthorizedPath returns the fixed not-authorized destination.
func (g *Guard) NotAuthorizedPath() string {
	return g.cfg.NotAuthorizedPath
}

func denied(actor, action, resource, method, ip string, have auth.Role, required []auth.Role) {
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = r.String()
	}
	audit.Event{
		Actor:    actor,
		Action:   action,
		Status:   audit.StatusDenied,
		Resource: resource,
		Method:   method,
		IP:       ip,
		Role:     have.String(),
		Reason:   fmt.Sprintf("insufficient_role (require %s)", strings.Join(names, "|")),
	}.Warn("Audit Log: Access Denied")
}

var waitingPage = template.Must(template.New("waiting").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="{{.}}"><title>Loading</title></head>
<body><p>Loading your session&hellip;</p></body></html>
`))

// Page guards a console page. While the session loads it serves a waiting
// page that refreshes itself; without an identity it redirects to sign-in
// with the requested location as next; with an insufficient role it
// redirects to the not-authorized page.
func (g *Guard) Page(required ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, d := g.Check(r.Context(), required...)
			guardDecisionsTotal.WithLabelValues("page", d.String()).Inc()

			switch d {
			case Wait:
				w.Header().Set("Cache-Control", "no-store")
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				if err := waitingPage.Execute(w, int(g.cfg.RetryAfter.Seconds()+0.5)); err != nil {
					slog.Error("render waiting page", "error", err)
				}
			case RedirectSignIn:
				http.Redirect(w, r, g.SignInURL(r.URL.RequestURI()), http.StatusSeeOther)
			case RedirectNotAuthorized:
				denied(s.Principal().Name(), "page:"+r.URL.Path, r.URL.Path, r.Method, r.RemoteAddr, s.Role, required)
				http.Redirect(w, r, g.cfg.NotAuthorizedPath, http.StatusSeeOther)
			default:
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), s.Principal())))
			}
		})
	}
}

// API returns a huma middleware enforcing the roles in each operation's
// Metadata[MetadataRoles]. Operations without that key pass through.
// Loading answers 503 with Retry-After, no identity 401, and an insufficient
// role 403.
func (g *Guard) API(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		raw, ok := op.Metadata[MetadataRoles]
		if !ok {
			next(ctx)
			return
		}
		required, _ := raw.([]auth.Role)

		s, d := g.Check(ctx.Context(), required...)
		guardDecisionsTotal.WithLabelValues("api", d.String()).Inc()

		switch d {
		case Wait:
			ctx.SetHeader("Retry-After", strconv.Itoa(int(g.cfg.RetryAfter.Seconds()+0.5)))
			_ = huma.WriteErr(api, ctx, http.StatusServiceUnavailable, "session is loading")
		case RedirectSignIn:
			msg := "sign in required"
			if s.Err != nil {
				msg = s.ErrorMessage()
			}
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, msg)
		case RedirectNotAuthorized:
			denied(s.Principal().Name(), op.OperationID, op.Path, ctx.Method(), ctx.RemoteAddr(), s.Role, required)
			_ = huma.WriteErr(api, ctx, http.StatusForbidden, "not authorized")
		default:
			next(huma.WithContext(ctx, auth.WithPrincipal(ctx.Context(), s.Principal())))
		}
	}
}
