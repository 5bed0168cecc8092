// Package audit writes the console's audit trail: sign-ins and sign-outs,
// registrations and their approval, role changes, content edits and every
// access the route guard turns away. Entries are slog records under an
// "audit" group so they can be filtered out of the general log stream.
package audit

import "log/slog"

// Enabled controls whether audit log entries are emitted. Tests that don't
// look at the trail switch it off.
var Enabled = true

// Outcomes recorded in Event.Status.
const (
	StatusGranted = "granted" // the action went through
	StatusDenied  = "denied"  // refused for bad credentials, a missing role or a spent form token
	StatusFailed  = "failed"  // the backend could not complete it
)

// Event is one audit entry. Only non-zero fields are logged.
type Event struct {
	Actor      string // Email of the signed-in user, or "anonymous".
	Action     string // Operation ID or flow name ("sign_in", "set_role").
	Status     string // One of the Status constants.
	Resource   string // Console path or document, e.g. content/testimonials/<id>.
	Method     string // HTTP method.
	HTTPStatus int    // HTTP response status code.
	Reason     string // Why it was denied or failed.
	IP         string // Client IP address after proxy headers.
	Provider   string // Identity provider behind the actor ("local", "oidc").
	Client     string // Short console client id, to tie entries to one browser.
	TargetUser string // UID whose role or request was changed.
	Role       string // Role granted or required.
	Extra      []any  // Additional slog attrs for one-off fields.
}

// Info logs a granted action.
func (e Event) Info(msg string) {
	if !Enabled {
		return
	}
	slog.Info(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

// Warn logs a denied or failed action.
func (e Event) Warn(msg string) {
	if !Enabled {
		return
	}
	slog.Warn(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

// attrs builds the slog attribute list, skipping zero-value fields.
func (e Event) attrs() []any {
	var attrs []any
	if e.Actor != "" {
		attrs = append(attrs, slog.String("actor", e.Actor))
	}
	if e.Action != "" {
		attrs = append(attrs, slog.String("action", e.Action))
	}
	if e.Status != "" {
		attrs = append(attrs, slog.String("status", e.Status))
	}
	if e.Resource != "" {
		attrs = append(attrs, slog.String("resource", e.Resource))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.HTTPStatus != 0 {
		attrs = append(attrs, slog.Int("http_status", e.HTTPStatus))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.IP != "" {
		attrs = append(attrs, slog.String("ip_address", e.IP))
	}
	if e.Provider != "" {
		attrs = append(attrs, slog.String("provider", e.Provider))
	}
	if e.Client != "" {
		attrs = append(attrs, slog.String("client", e.Client))
	}
	if e.TargetUser != "" {
		attrs = append(attrs, slog.String("target_user", e.TargetUser))
	}
	if e.Role != "" {
		attrs = append(attrs, slog.String("role", e.Role))
	}
	attrs = append(attrs, e.Extra...)
	return attrs
}
