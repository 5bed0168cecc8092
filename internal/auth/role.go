package auth

import (
	"errors"
	"fmt"
)

// Role is a console privilege level. Roles are totally ordered by rank.
type Role int

const (
	RoleNone       Role = iota // no role resolved; never satisfies a requirement
	RoleViewer                 // read console content
	RoleEditor                 // edit site content
	RoleAdmin                  // manage users and registration requests
	RoleSuperAdmin             // change roles, run backups
)

// Role lookup errors.
var (
	ErrRoleNotFound = errors.New("role not found")
	ErrInvalidRole  = errors.New("invalid role")
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "none"
	}
}

// Rank returns the ordinal rank of the role: viewer=1 through super_admin=4,
// 0 for RoleNone and anything out of range.
func (r Role) Rank() int {
	if r < RoleViewer || r > RoleSuperAdmin {
		return 0
	}
	return int(r)
}

// Valid reports whether r is one of the four assignable roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// ParseRole converts a stored role string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "admin":
		return RoleAdmin, nil
	case "super_admin":
		return RoleSuperAdmin, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// AllRoles lists the assignable roles from least to most privileged.
func AllRoles() []Role {
	return []Role{RoleViewer, RoleEditor, RoleAdmin, RoleSuperAdmin}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
