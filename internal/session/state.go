package session

import (
	"errors"

	"github.com/hatemosphere/agency-console/internal/auth"
)

// Session errors reported in Snapshot.Err. Both leave the session without an
// identity, so every authorization check fails.
var (
	// ErrRoleNotFound means the identity has no usable role document.
	ErrRoleNotFound = auth.ErrRoleNotFound
	// ErrAuthentication means establishing the session failed, e.g. the role
	// lookup could not reach the document store.
	ErrAuthentication = errors.New("authentication error")
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of a session at one point in time.
type Snapshot struct {
	State    State
	Identity *auth.Identity // nil unless authenticated
	Role     auth.Role      // RoleNone unless authenticated
	Err      error          // ErrRoleNotFound or ErrAuthentication in StateError
}

// Pending reports whether the session has not settled yet.
func (s Snapshot) Pending() bool {
	return s.State == StateUninitialized || s.State == StateLoading
}

// SignedIn reports whether an identity is present.
func (s Snapshot) SignedIn() bool {
	return s.Identity != nil
}

// Authorized reports whether the session satisfies at least one of the
// required roles. It is false without an identity, whatever required holds.
func (s Snapshot) Authorized(required ...auth.Role) bool {
	if s.State != StateAuthenticated || s.Identity == nil {
		return false
	}
	return auth.Authorized(s.Role, required...)
}

// Principal returns the authenticated principal, or nil.
func (s Snapshot) Principal() *auth.Principal {
	if s.State != StateAuthenticated || s.Identity == nil {
		return nil
	}
	return &auth.Principal{Identity: s.Identity, Role: s.Role}
}

// ErrorMessage returns the error text shown to users, or "".
func (s Snapshot) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
