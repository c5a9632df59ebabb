package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadRetryDefaults(t *testing.T) {
	t.Setenv("CONFIRM_RETRY_ATTEMPTS", "")
	t.Setenv("CONFIRM_RETRY_INITIAL_MS", "")
	t.Setenv("CONFIRM_RETRY_MAX_MS", "")

	cfg := Load()
	if cfg.ConfirmRetry != DefaultRetry() {
		t.Fatalf("expected default retry config, got %+v", cfg.ConfirmRetry)
	}
}

func TestLoadRetryOverridesAndClamps(t *testing.T) {
	t.Setenv("CONFIRM_RETRY_ATTEMPTS", "7")
	t.Setenv("CONFIRM_RETRY_INITIAL_MS", "300")
	t.Setenv("CONFIRM_RETRY_MAX_MS", "100")

	cfg := Load()
	if cfg.ConfirmRetry.MaxAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", cfg.ConfirmRetry.MaxAttempts)
	}
	if cfg.ConfirmRetry.InitialInterval != 300*time.Millisecond {
		t.Fatalf("unexpected initial interval %s", cfg.ConfirmRetry.InitialInterval)
	}
	if cfg.ConfirmRetry.MaxInterval != 300*time.Millisecond {
		t.Fatalf("expected max interval clamped to initial, got %s", cfg.ConfirmRetry.MaxInterval)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("SALE_CACHE_TTL_SECONDS", "-5")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")

	cfg := Load()
	if cfg.SaleCacheTTLSeconds != 600 {
		t.Fatalf("expected default cache ttl, got %d", cfg.SaleCacheTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token ttl, got %d", cfg.AccessTokenTTLMinutes)
	}
}
