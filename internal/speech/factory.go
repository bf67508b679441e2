package speech

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	STTModel string
	TTSModel string
	Voice    string
	Timeout  time.Duration
}

// NewRegistryFromConfig registers the configured provider as the default
// engine. The mock engine stays addressable by name in every mode.
func NewRegistryFromConfig(cfg Config) (*Registry, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}
	if provider == "auto" {
		provider = "mock"
		if strings.TrimSpace(cfg.BaseURL) != "" {
			provider = "openai"
		}
	}

	reg := NewRegistry()
	switch provider {
	case "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("speech base url is required for openai provider")
		}
		p := NewOpenAIProvider(cfg)
		reg.AddTranscriber(p)
		reg.AddSynthesizer(p)
	case "mock":
	default:
		return nil, fmt.Errorf("unsupported speech provider %q", cfg.Provider)
	}
	mock := NewMockProvider()
	reg.AddTranscriber(mock)
	reg.AddSynthesizer(mock)
	return reg, nil
}
