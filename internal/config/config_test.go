package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aditya-vk/limit-gate/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"rate_limit": {"on_store_error": "open"}}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Redis.GetRedisAddr() != "localhost:6379" {
		t.Fatalf("redis addr = %q, want localhost:6379", cfg.Redis.GetRedisAddr())
	}
	if cfg.RateLimit.Algorithm != "token_bucket" {
		t.Fatalf("algorithm = %q, want token_bucket", cfg.RateLimit.Algorithm)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.Circuit.TimeoutMs != 60000 {
		t.Fatalf("circuit config = %+v, want 5/60000", cfg.Circuit)
	}
	if cfg.Auth.ExpiryHours != 24 {
		t.Fatalf("jwt expiry = %d, want 24", cfg.Auth.ExpiryHours)
	}
}

func TestLoadRequiresStoreErrorMode(t *testing.T) {
	path := writeConfig(t, `{"rate_limit": {}}`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("missing on_store_error must be rejected, not defaulted")
	}

	path = writeConfig(t, `{"rate_limit": {"on_store_error": "maybe"}}`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("unrecognized on_store_error must be rejected")
	}
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	path := writeConfig(t, `{"rate_limit": {"on_store_error": "closed", "algorithm": "leaky_bucket"}}`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("unrecognized algorithm must be rejected")
	}
}

func TestLoadValidatesTiers(t *testing.T) {
	path := writeConfig(t, `{
		"rate_limit": {
			"on_store_error": "closed",
			"tiers": [{"name": "trial", "max_requests": 0, "window_ms": 60000}]
		}
	}`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("tier with zero max_requests must be rejected")
	}

	path = writeConfig(t, `{
		"rate_limit": {
			"on_store_error": "closed",
			"tiers": [{"name": "trial", "max_requests": 5, "window_ms": 60000}]
		}
	}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.RateLimit.Tiers) != 1 || cfg.RateLimit.Tiers[0].Name != "trial" {
		t.Fatalf("tiers = %+v", cfg.RateLimit.Tiers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("JWT_SECRET", "test-secret")

	path := writeConfig(t, `{"server": {"port": "8080"}, "rate_limit": {"on_store_error": "open"}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Fatalf("port = %q, env should win over the file", cfg.Server.Port)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Fatalf("redis host = %q", cfg.Redis.Host)
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Fatal("JWT secret should come from the environment")
	}
}
