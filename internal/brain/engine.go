// Package brain talks to the text generation engine. An Exchange is one
// stateful conversation: it remembers prior turns so callers only send the
// newest user message.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExchangeOptions configure a new exchange.
type ExchangeOptions struct {
	UserID         string
	ConversationID string
	// System overrides the engine's default system prompt.
	System string
	// JSON asks the engine for a single JSON object reply.
	JSON bool
}

// Exchange is a stateful multi-turn conversation with the engine. Calls on a
// single Exchange must be serialized by the caller.
type Exchange interface {
	ID() string
	Send(ctx context.Context, text string) (string, error)
	SendStream(ctx context.Context, text string, onDelta DeltaHandler) (string, error)
}

// Engine opens exchanges.
type Engine interface {
	StartExchange(ctx context.Context, opts ExchangeOptions) (Exchange, error)
}

// Config controls engine construction.
type Config struct {
	Mode         string
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	// MaxHistory caps remembered turns per exchange; 0 keeps the default.
	MaxHistory int
}

var (
	ErrEmptyInput = errors.New("empty input")
	// ErrUpstreamGeneration marks failures of the engine itself, as opposed to
	// bad input. Callers wrap engine errors with it.
	ErrUpstreamGeneration = errors.New("upstream generation failed")
)

func NewEngine(cfg Config) (Engine, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.BaseURL) != "" {
			return NewHTTPEngine(cfg), nil
		}
		return NewMockEngine(), nil
	case "http":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("brain base url is required for http mode")
		}
		return NewHTTPEngine(cfg), nil
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}

const defaultMaxHistory = 40

// history is the turn log shared by every Exchange implementation.
type history struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

func newHistory(max int) *history {
	if max <= 0 {
		max = defaultMaxHistory
	}
	return &history{max: max}
}

func (h *history) snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// commit records a completed user/assistant pair. Failed turns are never
// committed so a retry starts from the same state.
func (h *history) commit(user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: "user", Content: user}, Turn{Role: "assistant", Content: assistant})
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append([]Turn(nil), h.turns[over:]...)
	}
}
