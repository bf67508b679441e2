// Package conversation runs one chat turn end to end: persist the user turn,
// ask the dialogue multiplexer, persist the assistant turn.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/intent"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/policy"
)

// Marker is notified when a user's short-term context grew.
type Marker interface {
	Mark(userID string)
}

type Options struct {
	RedactPII bool
	Marker    Marker
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

type Service struct {
	mux     *dialogue.Multiplexer
	store   memory.Store
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewService(mux *dialogue.Multiplexer, store memory.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{mux: mux, store: store, opts: opts, logger: logger.Named("conversation"), metrics: opts.Metrics}
}

// Chat runs a synchronous turn. On upstream failure the returned Reply still
// carries the fallback text and the error wraps dialogue.ErrUpstreamGeneration.
func (s *Service) Chat(ctx context.Context, userID, conversationID, text string) (dialogue.Reply, error) {
	key := dialogue.NewKey(userID, conversationID)
	if err := validate(text); err != nil {
		return dialogue.Reply{ConversationID: key.ConversationID}, err
	}
	s.persist(ctx, key, memory.RoleUser, text)

	reply, err := s.mux.Send(ctx, userID, conversationID, text)
	if err != nil {
		return reply, err
	}
	s.persist(ctx, key, memory.RoleAssistant, reply.Text)
	s.mark(userID)
	return reply, nil
}

// ChatStream is the streaming form of Chat. The assistant turn is persisted
// once the stream completes without falling back.
func (s *Service) ChatStream(ctx context.Context, userID, conversationID, text string) (<-chan dialogue.Chunk, error) {
	key := dialogue.NewKey(userID, conversationID)
	if err := validate(text); err != nil {
		return nil, err
	}
	s.persist(ctx, key, memory.RoleUser, text)

	in := s.mux.SendStream(ctx, userID, conversationID, text)
	out := make(chan dialogue.Chunk, cap(in))
	go func() {
		defer close(out)
		var full strings.Builder
		fellBack := false
		for c := range in {
			switch {
			case c.Fallback:
				fellBack = true
			case c.Done:
				if !fellBack && full.Len() > 0 {
					s.persist(ctx, key, memory.RoleAssistant, full.String())
					s.mark(userID)
				}
			default:
				full.WriteString(c.Text)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) Intent(text string) intent.Result {
	return intent.Classify(text)
}

func (s *Service) Reset(userID, conversationID string) bool {
	return s.mux.Reset(userID, conversationID)
}

func (s *Service) Sessions(userID string) []string {
	return s.mux.ActiveConversations(userID)
}

// persist writes one short-term turn. Failures are logged and counted; the
// caller's exchange continues.
func (s *Service) persist(ctx context.Context, key dialogue.Key, role memory.Role, content string) {
	msg := memory.Message{
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		Role:           role,
		Content:        strings.TrimSpace(content),
	}
	if s.opts.RedactPII {
		red := policy.Redact(msg.Content)
		msg.Content, msg.PIIRedacted = red.Text, red.Changed()
	}
	if _, err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.Warn("short-term write failed",
			zap.String("user_id", key.UserID),
			zap.String("conversation_id", key.ConversationID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.StoreWriteFailures.WithLabelValues("message").Inc()
		}
	}
}

func (s *Service) mark(userID string) {
	if s.opts.Marker != nil {
		s.opts.Marker.Mark(userID)
	}
}

func validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return dialogue.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > memory.MaxContentLen {
		return fmt.Errorf("%w: message exceeds %d characters", memory.ErrInvalid, memory.MaxContentLen)
	}
	return nil
}
