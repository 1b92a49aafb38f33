package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_PASSWORD", "postgres")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}
}

func TestLoadRequiresDBPassword(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-long-enough-development-secret")
	t.Setenv("DB_PASSWORD", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-long-enough-development-secret")
	t.Setenv("DB_PASSWORD", "postgres")
	t.Setenv("ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Throttle.MaxDelay != 30*time.Second {
		t.Errorf("expected 30s max throttle delay, got %v", cfg.Throttle.MaxDelay)
	}
	if cfg.Throttle.IdentityWeight != 0.5 {
		t.Errorf("expected identity weight 0.5, got %v", cfg.Throttle.IdentityWeight)
	}
	if cfg.Auth.SessionCookieName != "gh_token" {
		t.Errorf("unexpected session cookie name %q", cfg.Auth.SessionCookieName)
	}
	if len(cfg.TwoFA.EncryptionKey) != 32 {
		t.Errorf("expected 32-byte 2FA key, got %d bytes", len(cfg.TwoFA.EncryptionKey))
	}
}

func TestValidateJWTSecretRejectsWeakValues(t *testing.T) {
	if err := validateJWTSecret("password", "development"); err == nil {
		t.Error("expected weak secret to be rejected")
	}
	if err := validateJWTSecret("short", "production"); err == nil {
		t.Error("expected short secret to be rejected in production")
	}
}

func TestParseTwoFAKey(t *testing.T) {
	if _, err := parseTwoFAKey("", "production"); err == nil {
		t.Error("expected missing key to fail in production")
	}

	key, err := parseTwoFAKey("", "development")
	if err != nil || len(key) != 32 {
		t.Errorf("expected development fallback key, got %v (%d bytes)", err, len(key))
	}

	if _, err := parseTwoFAKey("not-hex", "production"); err == nil {
		t.Error("expected non-hex key to be rejected")
	}

	key, err = parseTwoFAKey(strings.Repeat("ab", 32), "production")
	if err != nil || len(key) != 32 {
		t.Errorf("expected valid 32-byte key, got %v (%d bytes)", err, len(key))
	}
}
