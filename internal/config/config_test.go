package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ALLOWED_ORIGIN", "ACCESS_TOKEN_TTL_MINUTES",
		"LOGIN_RATE_LIMIT", "LOGIN_RATE_WINDOW_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %q", cfg.Address())
	}
	if cfg.AccessTokenTTLMinutes != 720 {
		t.Fatalf("expected default token ttl 720, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.LoginRateLimit != 5 || cfg.LoginRateWindowSecs != 60 {
		t.Fatalf("expected login limit 5/60s, got %d/%ds", cfg.LoginRateLimit, cfg.LoginRateWindowSecs)
	}
}

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadRejectsGarbageNumericEnv(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "not-a-number")
	t.Setenv("LOGIN_RATE_LIMIT", "-3")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 720 {
		t.Fatalf("expected ttl fallback 720, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.LoginRateLimit != 5 {
		t.Fatalf("expected rate limit fallback 5, got %d", cfg.LoginRateLimit)
	}
}

func TestMpesaConfigured(t *testing.T) {
	t.Setenv("MPESA_CONSUMER_KEY", "key")
	t.Setenv("MPESA_CONSUMER_SECRET", "secret")
	t.Setenv("MPESA_SHORT_CODE", "174379")
	t.Setenv("MPESA_PASSKEY", "passkey")
	t.Setenv("MPESA_CALLBACK_URL", "https://pos.example.com/api/v1/mpesa/callback")

	if !Load().MpesaConfigured() {
		t.Fatalf("expected configured with all credentials present")
	}

	t.Setenv("MPESA_PASSKEY", "")
	if Load().MpesaConfigured() {
		t.Fatalf("expected not configured when passkey missing")
	}
}
