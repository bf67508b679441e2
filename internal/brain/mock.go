package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MockEngine provides deterministic local replies when no engine is configured.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) StartExchange(ctx context.Context, opts ExchangeOptions) (Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockExchange{id: uuid.NewString(), json: opts.JSON, history: newHistory(0)}, nil
}

type mockExchange struct {
	id      string
	json    bool
	history *history
}

func (x *mockExchange) ID() string { return x.id }

func (x *mockExchange) Send(ctx context.Context, text string) (string, error) {
	return x.SendStream(ctx, text, nil)
}

func (x *mockExchange) SendStream(ctx context.Context, text string, onDelta DeltaHandler) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	reply := x.reply(text)
	if onDelta != nil {
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if err := onDelta(w); err != nil {
				return "", err
			}
		}
	}
	x.history.commit(text, reply)
	return reply, nil
}

func (x *mockExchange) reply(text string) string {
	if x.json {
		return `{"summary":"No notable facts in the recent conversation.","topics":[],"facts":[]}`
	}
	base := strings.TrimSpace(text)

	var last string
	turns := x.history.snapshot()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			last = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
}
