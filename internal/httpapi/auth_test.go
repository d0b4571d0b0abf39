package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-1")
	t.Setenv("SEED_MANAGER_PASSWORD", "manager-pass-1")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-pass-1")
	return NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "cashier",
		Password: "cashier-pass-1",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != domain.RoleCashier {
		t.Fatalf("expected role cashier, got %s", resp.Role)
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expected 3600s expiry, got %d", resp.ExpiresIn)
	}

	actor, err := auth.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginNormalizesUsername(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "  Admin ",
		Password: "admin-pass-1",
	})
	if err != nil {
		t.Fatalf("login with mixed-case username: %v", err)
	}
	if resp.Username != "admin" {
		t.Fatalf("expected lowercased username, got %s", resp.Username)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "cashier",
		Password: "wrong",
	}); err == nil {
		t.Fatalf("expected error for wrong password")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "nobody",
		Password: "whatever",
	}); err == nil {
		t.Fatalf("expected error for unknown user")
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-different-secret-entirely!!!!!", time.Hour, nil)

	token, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expired token must be rejected")
	}
}

func TestCreateUserValidation(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	cases := []domain.CreateUserRequest{
		{Username: "ab", Password: "longenough", Role: domain.RoleCashier},
		{Username: "has space", Password: "longenough", Role: domain.RoleCashier},
		{Username: "validname", Password: "tiny", Role: domain.RoleCashier},
		{Username: "validname", Password: "longenough", Role: "owner"},
	}
	for _, req := range cases {
		if _, err := auth.CreateUser(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("CreateUser(%+v) expected ErrInvalidInput, got %v", req, err)
		}
	}

	user, err := auth.CreateUser(ctx, domain.CreateUserRequest{
		Username:    "Njeri",
		Password:    "longenough",
		DisplayName: "Njeri W.",
		Role:        domain.RoleManager,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Username != "njeri" || !user.Active {
		t.Fatalf("unexpected created user %+v", user)
	}
	if user.PasswordHash == "longenough" || !isPasswordHash(user.PasswordHash) {
		t.Fatalf("password stored unhashed")
	}

	// Duplicate usernames are refused by the store.
	if _, err := auth.CreateUser(ctx, domain.CreateUserRequest{
		Username: "njeri",
		Password: "longenough",
		Role:     domain.RoleCashier,
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for duplicate username, got %v", err)
	}
}
