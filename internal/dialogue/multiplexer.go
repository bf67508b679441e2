// Package dialogue keeps one stateful generation exchange per
// (user, conversation) pair and serializes turns within each pair.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/observability"
)

// DefaultConversationID names the conversation used when the caller gives none.
const DefaultConversationID = "default"

const (
	FallbackReply       = "I'm sorry, I encountered an issue processing your request. Please try again."
	FallbackStreamReply = "I'm sorry, I encountered an issue. Please try again."
)

var (
	ErrUpstreamGeneration = brain.ErrUpstreamGeneration
	ErrEmptyMessage       = errors.New("message is required")
)

type Key struct {
	UserID         string
	ConversationID string
}

func (k Key) String() string { return k.UserID + "|" + k.ConversationID }

func NewKey(userID, conversationID string) Key {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	return Key{UserID: userID, ConversationID: conversationID}
}

// Reply is the outcome of one turn. On upstream failure Text holds the
// fallback message and Success is false.
type Reply struct {
	Text           string `json:"message"`
	ConversationID string `json:"session_id"`
	Success        bool   `json:"success"`
}

// Chunk is one element of a streamed reply. The last chunk of every stream
// has Done set and no text.
type Chunk struct {
	Text     string
	Done     bool
	Fallback bool
}

type Options struct {
	SystemPrompt string
	// Timeout bounds a single turn; 0 disables it.
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type session struct {
	mu       sync.Mutex // serializes turns on this key
	exchange brain.Exchange
	turns    int
}

type Multiplexer struct {
	engine brain.Engine
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[Key]*session
}

func NewMultiplexer(engine brain.Engine, opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		engine:   engine,
		opts:     opts,
		logger:   logger.Named("dialogue"),
		sessions: make(map[Key]*session),
	}
}

// Send forwards text to the key's exchange, creating it on first use.
func (m *Multiplexer) Send(ctx context.Context, userID, conversationID, text string) (Reply, error) {
	key := NewKey(userID, conversationID)
	if strings.TrimSpace(text) == "" {
		return Reply{ConversationID: key.ConversationID}, ErrEmptyMessage
	}

	s := m.acquire(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	callCtx, cancel := m.turnContext(ctx)
	defer cancel()

	ex, err := m.exchangeFor(callCtx, key, s)
	var reply string
	if err == nil {
		reply, err = ex.Send(callCtx, text)
	}
	m.observe(started, err)
	if err != nil {
		m.fail(key, err)
		return Reply{Text: FallbackReply, ConversationID: key.ConversationID}, fmt.Errorf("%w: %v", ErrUpstreamGeneration, err)
	}
	s.turns++
	return Reply{Text: reply, ConversationID: key.ConversationID, Success: true}, nil
}

// SendStream is the incremental form of Send. The returned channel is closed
// after the Done chunk, or early when ctx is cancelled.
func (m *Multiplexer) SendStream(ctx context.Context, userID, conversationID, text string) <-chan Chunk {
	out := make(chan Chunk, 16)
	key := NewKey(userID, conversationID)

	go func() {
		defer close(out)
		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if strings.TrimSpace(text) == "" {
			if emit(Chunk{Text: FallbackStreamReply, Fallback: true}) {
				emit(Chunk{Done: true})
			}
			return
		}

		s := m.acquire(key)
		s.mu.Lock()
		defer s.mu.Unlock()

		started := time.Now()
		callCtx, cancel := m.turnContext(ctx)
		defer cancel()

		ex, err := m.exchangeFor(callCtx, key, s)
		if err == nil {
			_, err = ex.SendStream(callCtx, text, func(delta string) error {
				if !emit(Chunk{Text: delta}) {
					return ctx.Err()
				}
				return nil
			})
		}
		m.observe(started, err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.fail(key, err)
			if !emit(Chunk{Text: FallbackStreamReply, Fallback: true}) {
				return
			}
		} else {
			s.turns++
		}
		emit(Chunk{Done: true})
	}()
	return out
}

// Reset discards the key's exchange. The next Send starts from a clean
// history. It reports whether a session existed.
func (m *Multiplexer) Reset(userID, conversationID string) bool {
	key := NewKey(userID, conversationID)
	m.mu.Lock()
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	n := len(m.sessions)
	m.mu.Unlock()
	m.setGauge(n)
	if ok {
		m.logger.Debug("dialogue session reset", zap.String("user_id", key.UserID), zap.String("conversation_id", key.ConversationID))
	}
	return ok
}

// ActiveConversations lists the user's live conversation ids, sorted.
func (m *Multiplexer) ActiveConversations(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.sessions {
		if k.UserID == userID {
			out = append(out, k.ConversationID)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// acquire returns the key's session, inserting an empty one if needed. No
// engine call happens under m.mu.
func (m *Multiplexer) acquire(key Key) *session {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{}
		m.sessions[key] = s
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		m.setGauge(n)
	}
	return s
}

// exchangeFor lazily opens the exchange. Callers hold s.mu.
func (m *Multiplexer) exchangeFor(ctx context.Context, key Key, s *session) (brain.Exchange, error) {
	if s.exchange != nil {
		return s.exchange, nil
	}
	ex, err := m.engine.StartExchange(ctx, brain.ExchangeOptions{
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		System:         m.opts.SystemPrompt,
	})
	if err != nil {
		m.dropEmpty(key, s)
		return nil, fmt.Errorf("start exchange: %w", err)
	}
	s.exchange = ex
	m.logger.Debug("dialogue session created",
		zap.String("user_id", key.UserID),
		zap.String("conversation_id", key.ConversationID),
		zap.String("exchange_id", ex.ID()),
	)
	return ex, nil
}

// dropEmpty removes a placeholder whose exchange could not be opened, unless
// it was already replaced.
func (m *Multiplexer) dropEmpty(key Key, s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[key]; ok && cur == s {
		delete(m.sessions, key)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	m.setGauge(n)
}

func (m *Multiplexer) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.Timeout > 0 {
		return context.WithTimeout(ctx, m.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (m *Multiplexer) fail(key Key, err error) {
	m.logger.Warn("generation failed, returning fallback",
		zap.String("user_id", key.UserID),
		zap.String("conversation_id", key.ConversationID),
		zap.Error(err),
	)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ProviderErrors.WithLabelValues("brain", "generation").Inc()
	}
}

func (m *Multiplexer) observe(started time.Time, err error) {
	m.opts.Metrics.ObserveOperation("generate", time.Since(started), err)
}

func (m *Multiplexer) setGauge(n int) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ActiveDialogueSessions.Set(float64(n))
	}
}
