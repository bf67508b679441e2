package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.StoreBackend != "auto" {
		t.Fatalf("StoreBackend = %q, want auto", cfg.StoreBackend)
	}
	if cfg.TieringWindow != 50 {
		t.Fatalf("TieringWindow = %d, want 50", cfg.TieringWindow)
	}
	if cfg.TieringInterval != 0 {
		t.Fatalf("TieringInterval = %v, want disabled", cfg.TieringInterval)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error without JWT_SECRET")
	}
}

func TestLoadStaticIdentity(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("IDENTITY_MODE", "static")
	t.Setenv("STATIC_TOKENS", "dev:alice")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IdentityMode != "static" || cfg.StaticTokens != "dev:alice" {
		t.Fatalf("identity = %q/%q", cfg.IdentityMode, cfg.StaticTokens)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BRAIN_MODE":        "psychic",
		"STORE_BACKEND":     "floppy",
		"TIERING_WINDOW":    "0",
		"WS_SEND_TIMEOUT":   "soon",
		"MEMORY_REDACT_PII": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("JWT_SECRET", "s3cret")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadBackendRequiresConnectionSettings(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_BACKEND", "redis")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error without REDIS_ADDR")
	}

	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "eva.yaml")
	body := []byte(`
app_bind_addr: ":7070"
jwt_secret: from-file
tiering_window: 12
tiering_interval: 5m
ws_rate_limit: 3.5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("TIERING_WINDOW", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.JWTSecret != "from-file" {
		t.Fatalf("JWTSecret = %q, want file value", cfg.JWTSecret)
	}
	if cfg.TieringWindow != 30 {
		t.Fatalf("TieringWindow = %d, want env override 30", cfg.TieringWindow)
	}
	if cfg.TieringInterval != 5*time.Minute {
		t.Fatalf("TieringInterval = %v, want 5m", cfg.TieringInterval)
	}
	if cfg.WSRateLimit != 3.5 {
		t.Fatalf("WSRateLimit = %v, want 3.5", cfg.WSRateLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for missing config file")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"IDENTITY_MODE",
		"JWT_SECRET",
		"JWT_ISSUER",
		"JWT_AUDIENCE",
		"STATIC_TOKENS",
		"BRAIN_MODE",
		"BRAIN_BASE_URL",
		"BRAIN_API_KEY",
		"BRAIN_MODEL",
		"BRAIN_TIMEOUT",
		"BRAIN_SYSTEM_PROMPT",
		"SPEECH_PROVIDER",
		"SPEECH_BASE_URL",
		"SPEECH_API_KEY",
		"STT_MODEL",
		"TTS_MODEL",
		"TTS_VOICE",
		"SPEECH_TIMEOUT",
		"STORE_BACKEND",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"STORE_TIMEOUT",
		"MEMORY_REDACT_PII",
		"TIERING_WINDOW",
		"TIERING_CLEAR_AFTER",
		"TIERING_INTERVAL",
		"TIERING_TIMEOUT",
		"WS_SEND_TIMEOUT",
		"WS_RATE_LIMIT",
		"WS_RATE_BURST",
		"WS_READ_LIMIT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
