package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.JWTSecret != "" {
		t.Fatalf("expected empty JWT_SECRET when unset, got %q", cfg.JWTSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnBadTTLs(t *testing.T) {
	t.Setenv("PLAN_CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.PlanCacheTTLSeconds != 20 {
		t.Fatalf("expected plan cache ttl fallback 20, got %d", cfg.PlanCacheTTLSeconds)
	}
	if cfg.TokenTTLMinutes != 480 {
		t.Fatalf("expected token ttl fallback 480, got %d", cfg.TokenTTLMinutes)
	}
}

func TestAddressJoinsBindAddrAndPort(t *testing.T) {
	t.Setenv("BIND_ADDR", "127.0.0.1")
	t.Setenv("PORT", "9000")

	cfg := Load()
	if cfg.Address() != "127.0.0.1:9000" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
