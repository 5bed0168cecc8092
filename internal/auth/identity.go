package auth

import (
	"context"
	"time"
)

// Identity is a signed-in principal as reported by the identity provider.
// The console holds it read-only for the lifetime of a session.
type Identity struct {
	UID           string // opaque, issued by the provider
	Email         string
	DisplayName   string // optional
	EmailVerified bool
	CreatedAt     time.Time
	LastLoginAt   time.Time
	IDToken       string    //nolint:gosec // field name, not a credential
	TokenExpiry   time.Time // zero when the provider does not expire tokens
}

// Principal is a resolved identity together with its role. Guards attach it
// to the request context once a request is allowed through.
type Principal struct {
	Identity *Identity
	Role     Role
}

// Name returns a human-readable actor name for logs and audit entries.
func (p *Principal) Name() string {
	if p == nil || p.Identity == nil {
		return "anonymous"
	}
	if p.Identity.Email != "" {
		return p.Identity.Email
	}
	return p.Identity.UID
}

type contextKey struct{}

// WithPrincipal stores a Principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext retrieves the Principal from the context.
// Returns nil if none is set.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}
