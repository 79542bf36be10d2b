package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stratasync.io/internal/rbac"
)

func withSecret(t *testing.T, secret string) {
	t.Helper()
	t.Setenv("STRATA_AUTH_SECRET", secret)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("user-1", rbac.RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	id, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("unexpected subject: %s", id.UserID)
	}
	if id.Role != rbac.RoleAdmin {
		t.Fatalf("unexpected role: %s", id.Role)
	}
}

func TestGenerateTokenRejectsUnknownRole(t *testing.T) {
	withSecret(t, "test-secret")

	if _, err := GenerateToken("user-1", rbac.Role("root"), time.Minute); !errors.Is(err, rbac.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("user-1", rbac.RoleUser, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := ParseAndValidate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(strings.Repeat("a", 16)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("user-1", rbac.RoleUser, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("expected no identity on empty context")
	}

	id := Identity{UserID: "user-7", Role: rbac.RoleSuperAdmin}
	ctx = ContextWithIdentity(ctx, id)

	got, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity")
	}
	if got != id {
		t.Fatalf("identity mismatch: %#v", got)
	}
	if !got.HasPermission(rbac.PermissionManageUsers) {
		t.Fatal("super_admin should manage users")
	}

	ctx = ContextWithToken(ctx, "raw-token")
	tok, ok := TokenFromContext(ctx)
	if !ok || tok != "raw-token" {
		t.Fatalf("token round trip failed: %q", tok)
	}
}
