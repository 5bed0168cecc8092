package auth

import (
	"context"
	"testing"
)

func TestPrincipal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := &Principal{
		Identity: &Identity{UID: "u-1", Email: "alice@agency.test", DisplayName: "Alice"},
		Role:     RoleAdmin,
	}

	ctx = WithPrincipal(ctx, p)
	got := PrincipalFromContext(ctx)

	if got == nil {
		t.Fatal("expected principal, got nil")
	}
	if got.Identity.UID != "u-1" {
		t.Errorf("UID: expected u-1, got %s", got.Identity.UID)
	}
	if got.Role != RoleAdmin {
		t.Errorf("Role: expected admin, got %s", got.Role)
	}
}

func TestPrincipal_EmptyContext(t *testing.T) {
	if got := PrincipalFromContext(context.Background()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestPrincipal_Name(t *testing.T) {
	var nilP *Principal
	if nilP.Name() != "anonymous" {
		t.Errorf("nil principal: expected anonymous, got %s", nilP.Name())
	}
	if (&Principal{}).Name() != "anonymous" {
		t.Error("principal without identity should be anonymous")
	}
	if (&Principal{Identity: &Identity{UID: "u-2"}}).Name() != "u-2" {
		t.Error("principal without email should fall back to UID")
	}
	if (&Principal{Identity: &Identity{UID: "u-2", Email: "b@agency.test"}}).Name() != "b@agency.test" {
		t.Error("principal should prefer email")
	}
}
