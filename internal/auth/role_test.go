package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRole_Ranks(t *testing.T) {
	tests := []struct {
		role Role
		rank int
		name string
	}{
		{RoleNone, 0, "none"},
		{RoleViewer, 1, "viewer"},
		{RoleEditor, 2, "editor"},
		{RoleAdmin, 3, "admin"},
		{RoleSuperAdmin, 4, "super_admin"},
		{Role(9), 0, "none"},
	}
	for _, tt := range tests {
		if got := tt.role.Rank(); got != tt.rank {
			t.Errorf("%s: expected rank %d, got %d", tt.name, tt.rank, got)
		}
		if got := tt.role.String(); got != tt.name {
			t.Errorf("expected name %s, got %s", tt.name, got)
		}
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range AllRoles() {
		parsed, err := ParseRole(r.String())
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", r, err)
		}
		if parsed != r {
			t.Fatalf("expected %s, got %s", r, parsed)
		}
	}

	for _, bad := range []string{"", "none", "Admin", "superadmin", "owner"} {
		r, err := ParseRole(bad)
		if !errors.Is(err, ErrInvalidRole) {
			t.Errorf("ParseRole(%q): expected ErrInvalidRole, got %v", bad, err)
		}
		if r != RoleNone {
			t.Errorf("ParseRole(%q): expected none, got %s", bad, r)
		}
	}
}

func TestRole_UnmarshalText(t *testing.T) {
	var r Role
	if err := r.UnmarshalText([]byte("editor")); err != nil {
		t.Fatal(err)
	}
	if r != RoleEditor {
		t.Fatalf("expected editor, got %s", r)
	}
	if err := r.UnmarshalText([]byte("root")); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestAuthorized_AtLeastRank(t *testing.T) {
	// Every role satisfies every requirement of equal or lower rank.
	for _, have := range AllRoles() {
		for _, req := range AllRoles() {
			want := have.Rank() >= req.Rank()
			if got := Authorized(have, req); got != want {
				t.Errorf("Authorized(%s, %s): expected %v, got %v", have, req, want, got)
			}
		}
	}
}

func TestAuthorized_Cases(t *testing.T) {
	tests := []struct {
		name     string
		have     Role
		required []Role
		expected bool
	}{
		{"admin satisfies editor", RoleAdmin, []Role{RoleEditor}, true},
		{"editor does not satisfy admin", RoleEditor, []Role{RoleAdmin}, false},
		{"super_admin satisfies editor", RoleSuperAdmin, []Role{RoleEditor}, true},
		{"lowest acceptable role wins", RoleEditor, []Role{RoleSuperAdmin, RoleEditor}, true},
		{"admin below super_admin only", RoleAdmin, []Role{RoleSuperAdmin}, false},
		{"no role never authorized", RoleNone, []Role{RoleViewer}, false},
		{"empty requirement never satisfied", RoleSuperAdmin, nil, false},
		{"out of range role", Role(-1), []Role{RoleViewer}, false},
		{"none is not a requirement", RoleViewer, []Role{RoleNone}, false},
		{"out of range requirement ignored", RoleAdmin, []Role{Role(7), RoleEditor}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Authorized(tt.have, tt.required...); got != tt.expected {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{
		Identity: &Identity{UID: "u1", Email: "ed@agency.test"},
		Role:     RoleEditor,
	})
	if err := RequireRole(ctx, "update_hero", RoleEditor); err != nil {
		t.Fatalf("editor should pass: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{
		Identity: &Identity{UID: "u1", Email: "ed@agency.test"},
		Role:     RoleEditor,
	})
	if err := RequireRole(ctx, "set_role", RoleSuperAdmin); err == nil {
		t.Fatal("expected denial")
	}
}

func TestRequireRole_NoPrincipal(t *testing.T) {
	if err := RequireRole(context.Background(), "list_users", RoleViewer); err == nil {
		t.Fatal("expected denial without principal")
	}
}
