package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the assistant realtime service.
type Config struct {
	BindAddr         string        `yaml:"app_bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"app_shutdown_timeout"`
	MetricsNamespace string        `yaml:"app_metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"app_allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	IdentityMode string `yaml:"identity_mode"`
	JWTSecret    string `yaml:"jwt_secret"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`
	// StaticTokens maps credential -> user id, "tok1:alice,tok2:bob".
	StaticTokens string `yaml:"static_tokens"`

	BrainMode         string        `yaml:"brain_mode"`
	BrainBaseURL      string        `yaml:"brain_base_url"`
	BrainAPIKey       string        `yaml:"brain_api_key"`
	BrainModel        string        `yaml:"brain_model"`
	BrainTimeout      time.Duration `yaml:"brain_timeout"`
	BrainSystemPrompt string        `yaml:"brain_system_prompt"`

	SpeechProvider string        `yaml:"speech_provider"`
	SpeechBaseURL  string        `yaml:"speech_base_url"`
	SpeechAPIKey   string        `yaml:"speech_api_key"`
	STTModel       string        `yaml:"stt_model"`
	TTSModel       string        `yaml:"tts_model"`
	TTSVoice       string        `yaml:"tts_voice"`
	SpeechTimeout  time.Duration `yaml:"speech_timeout"`

	StoreBackend    string        `yaml:"store_backend"`
	DatabaseURL     string        `yaml:"database_url"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	MemoryRedactPII bool          `yaml:"memory_redact_pii"`

	TieringWindow     int           `yaml:"tiering_window"`
	TieringClearAfter bool          `yaml:"tiering_clear_after"`
	TieringInterval   time.Duration `yaml:"tiering_interval"`
	TieringTimeout    time.Duration `yaml:"tiering_timeout"`

	WSSendTimeout time.Duration `yaml:"ws_send_timeout"`
	WSRateLimit   float64       `yaml:"ws_rate_limit"`
	WSRateBurst   int           `yaml:"ws_rate_burst"`
	WSReadLimit   int           `yaml:"ws_read_limit"`
}

func defaults() Config {
	return Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "eva",
		LogLevel:          "info",
		LogFormat:         "json",
		IdentityMode:      "jwt",
		BrainMode:         "auto",
		BrainModel:        "gpt-4o-mini",
		BrainTimeout:      60 * time.Second,
		BrainSystemPrompt: "You are Eva, a warm and concise personal assistant. Replies are usually spoken aloud, so keep them short, " +
			"conversational and free of markdown. Use what you know about the user when it helps.",
		SpeechProvider:    "auto",
		STTModel:          "whisper-1",
		TTSModel:          "tts-1",
		TTSVoice:          "nova",
		SpeechTimeout:     30 * time.Second,
		StoreBackend:      "auto",
		StoreTimeout:      5 * time.Second,
		TieringWindow:     50,
		TieringTimeout:    90 * time.Second,
		WSSendTimeout:     2 * time.Second,
		WSRateLimit:       20,
		WSRateBurst:       40,
		// 10 MiB, enough for a few seconds of base64 PCM.
		WSReadLimit: 10 << 20,
	}
}

// Load reads the optional APP_CONFIG_FILE, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.IdentityMode = strings.ToLower(envOrDefault("IDENTITY_MODE", cfg.IdentityMode))
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = envOrDefault("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.StaticTokens = envOrDefault("STATIC_TOKENS", cfg.StaticTokens)
	cfg.BrainMode = strings.ToLower(envOrDefault("BRAIN_MODE", cfg.BrainMode))
	cfg.BrainBaseURL = trimSpace(envOrDefault("BRAIN_BASE_URL", cfg.BrainBaseURL))
	cfg.BrainAPIKey = trimSpace(envOrDefault("BRAIN_API_KEY", cfg.BrainAPIKey))
	cfg.BrainModel = envOrDefault("BRAIN_MODEL", cfg.BrainModel)
	cfg.BrainSystemPrompt = envOrDefault("BRAIN_SYSTEM_PROMPT", cfg.BrainSystemPrompt)
	cfg.SpeechProvider = strings.ToLower(envOrDefault("SPEECH_PROVIDER", cfg.SpeechProvider))
	cfg.SpeechBaseURL = trimSpace(envOrDefault("SPEECH_BASE_URL", cfg.SpeechBaseURL))
	cfg.SpeechAPIKey = trimSpace(envOrDefault("SPEECH_API_KEY", cfg.SpeechAPIKey))
	cfg.STTModel = envOrDefault("STT_MODEL", cfg.STTModel)
	cfg.TTSModel = envOrDefault("TTS_MODEL", cfg.TTSModel)
	cfg.TTSVoice = envOrDefault("TTS_VOICE", cfg.TTSVoice)
	cfg.StoreBackend = strings.ToLower(envOrDefault("STORE_BACKEND", cfg.StoreBackend))
	cfg.DatabaseURL = trimSpace(envOrDefault("DATABASE_URL", cfg.DatabaseURL))
	cfg.RedisAddr = trimSpace(envOrDefault("REDIS_ADDR", cfg.RedisAddr))
	cfg.RedisPassword = envOrDefault("REDIS_PASSWORD", cfg.RedisPassword)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"BRAIN_TIMEOUT", &cfg.BrainTimeout},
		{"SPEECH_TIMEOUT", &cfg.SpeechTimeout},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"TIERING_INTERVAL", &cfg.TieringInterval},
		{"TIERING_TIMEOUT", &cfg.TieringTimeout},
		{"WS_SEND_TIMEOUT", &cfg.WSSendTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.RedisDB},
		{"TIERING_WINDOW", &cfg.TieringWindow},
		{"WS_RATE_BURST", &cfg.WSRateBurst},
		{"WS_READ_LIMIT", &cfg.WSReadLimit},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.TieringClearAfter, err = boolFromEnv("TIERING_CLEAR_AFTER", cfg.TieringClearAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.WSRateLimit, err = floatFromEnv("WS_RATE_LIMIT", cfg.WSRateLimit)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.IdentityMode {
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when IDENTITY_MODE=jwt")
		}
	case "static":
		if c.StaticTokens == "" {
			return fmt.Errorf("STATIC_TOKENS is required when IDENTITY_MODE=static")
		}
	default:
		return fmt.Errorf("IDENTITY_MODE must be jwt or static, got %q", c.IdentityMode)
	}
	switch c.BrainMode {
	case "auto", "mock":
	case "http":
		if c.BrainBaseURL == "" {
			return fmt.Errorf("BRAIN_BASE_URL is required when BRAIN_MODE=http")
		}
	default:
		return fmt.Errorf("BRAIN_MODE must be auto, http or mock, got %q", c.BrainMode)
	}
	switch c.SpeechProvider {
	case "auto", "mock":
	case "openai":
		if c.SpeechBaseURL == "" {
			return fmt.Errorf("SPEECH_BASE_URL is required when SPEECH_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be auto, openai or mock, got %q", c.SpeechProvider)
	}
	switch c.StoreBackend {
	case "auto", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be auto, postgres, redis or memory, got %q", c.StoreBackend)
	}
	if c.TieringWindow <= 0 {
		return fmt.Errorf("TIERING_WINDOW must be positive")
	}
	if c.TieringInterval < 0 {
		return fmt.Errorf("TIERING_INTERVAL must be >= 0")
	}
	if c.WSRateLimit < 0 || c.WSRateBurst < 0 {
		return fmt.Errorf("WS_RATE_LIMIT and WS_RATE_BURST must be >= 0")
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be positive")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
