// Package identity is the boundary to the identity provider. A Provider hands
// out one Auth per console client; each Auth pushes identity changes to its
// subscribers one at a time, in order.
package identity

import (
	"context"
	"errors"

	"github.com/hatemosphere/agency-console/internal/auth"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailInUse         = errors.New("email already in use")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUnsupported        = errors.New("not supported by this identity provider")
)

// MinPasswordLength is the shortest password CreateAccount and ResetPassword accept.
const MinPasswordLength = 6

// Listener receives the client's identity, or nil when signed out.
type Listener func(id *auth.Identity)

// Auth is a single client's connection to the identity provider.
type Auth interface {
	// OnIdentityChanged registers fn. fn is called once with the current
	// state and then once per sign-in, sign-out or token refresh. Calls for
	// one client never overlap. The returned func unsubscribes.
	OnIdentityChanged(fn Listener) (unsubscribe func())

	// Current returns the signed-in identity or nil.
	Current() *auth.Identity

	SignIn(ctx context.Context, email, password string) (*auth.Identity, error)
	SignOut(ctx context.Context) error

	// CreateAccount creates an account and signs the client in as it.
	CreateAccount(ctx context.Context, email, password, displayName string) (*auth.Identity, error)

	// SendVerificationEmail mails the signed-in identity a confirmation link.
	SendVerificationEmail(ctx context.Context) error
}

// Provider is an identity provider serving many console clients.
type Provider interface {
	// Name identifies the provider in logs and audit entries.
	Name() string

	// Client returns the Auth for clientID, creating it on first use.
	Client(clientID string) Auth

	// Release drops all state for clientID and stops its notifications.
	Release(clientID string)

	SendPasswordResetEmail(ctx context.Context, email string) error

	// ConfirmEmail and ResetPassword complete the emailed flows.
	ConfirmEmail(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, token, newPassword string) error

	Close() error
}
