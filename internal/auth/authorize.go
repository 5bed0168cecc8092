package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/audit"
)

// Authorized reports whether a holder of role have satisfies at least one of
// the required roles. A role satisfies a requirement when its rank is at least
// the required rank, so super_admin satisfies a requirement of editor.
// RoleNone never satisfies anything, an empty requirement set is never
// satisfied, and requirements outside the four roles are ignored.
func Authorized(have Role, required ...Role) bool {
	if !have.Valid() {
		return false
	}
	for _, r := range required {
		if r.Valid() && have.Rank() >= r.Rank() {
			return true
		}
	}
	return false
}

// RequireRole checks the principal on the context against the required roles.
// Returns nil if allowed, or a huma 403 error if denied.
func RequireRole(ctx context.Context, action string, required ...Role) error {
	p := PrincipalFromContext(ctx)
	have := RoleNone
	if p != nil && p.Identity != nil {
		have = p.Role
	}
	if Authorized(have, required...) {
		slog.Debug("role check passed", "user", p.Name(), "action", action, "role", have)
		return nil
	}

	audit.Event{
		Actor:  p.Name(),
		Action: action,
		Status: audit.StatusDenied,
		Reason: fmt.Sprintf("insufficient_role (require %s, have %s)", joinRoles(required), have),
	}.Warn("Audit Log: Access Denied")

	return huma.NewError(http.StatusForbidden,
		fmt.Sprintf("insufficient role: require %s, have %s", joinRoles(required), have))
}

func joinRoles(roles []Role) string {
	if len(roles) == 0 {
		return "none"
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return strings.Join(names, "|")
}
