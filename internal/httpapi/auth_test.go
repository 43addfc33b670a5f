package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"milkrun/backend/internal/domain"
)

type userStoreStub struct {
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func stubWithUser(t *testing.T, username, password, role string, active bool) *userStoreStub {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			username: {
				Username:  username,
				Password:  string(hash),
				Role:      role,
				Active:    active,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestLoginIssuesParsableToken(t *testing.T) {
	store := stubWithUser(t, "manager", "manager123", domain.RoleManager, true)
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "manager",
		Password: "manager123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if strings.TrimSpace(resp.Token) == "" {
		t.Fatalf("expected token in response")
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expected expires_in 3600, got %d", resp.ExpiresIn)
	}

	actor, err := manager.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "manager" || actor.Role != domain.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsWrongPasswordAndInactive(t *testing.T) {
	store := stubWithUser(t, "ravi", "driver123", domain.RoleDriver, true)
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "ravi",
		Password: "nope",
	})
	if err == nil {
		t.Fatalf("expected wrong password to fail")
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "unknown",
		Password: "driver123",
	})
	if err == nil {
		t.Fatalf("expected unknown user to fail")
	}

	inactive := stubWithUser(t, "anand", "driver123", domain.RoleDriver, false)
	manager = NewAuthManager("test-secret", time.Hour, "123456", inactive)
	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "anand",
		Password: "driver123",
	})
	if err == nil {
		t.Fatalf("expected inactive account to fail")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	store := stubWithUser(t, "manager", "manager123", domain.RoleManager, true)
	issuer := NewAuthManager("secret-a", time.Hour, "123456", store)
	verifier := NewAuthManager("secret-b", time.Hour, "123456", store)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{
		Username: "manager",
		Password: "manager123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, err := verifier.ParseToken(resp.Token); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
