package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/memory"
)

type marks struct {
	mu    sync.Mutex
	users []string
}

func (m *marks) Mark(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
}

func (m *marks) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

type downEngine struct{}

func (downEngine) StartExchange(context.Context, brain.ExchangeOptions) (brain.Exchange, error) {
	return nil, errors.New("connection refused")
}

type brokenStore struct{ memory.Store }

func (brokenStore) AppendMessage(context.Context, memory.Message) (memory.Message, error) {
	return memory.Message{}, &memory.StoreError{Op: "append message", Err: errors.New("db down")}
}

func newService(engine brain.Engine, store memory.Store, opts Options) *Service {
	return NewService(dialogue.NewMultiplexer(engine, dialogue.Options{}), store, opts)
}

func TestChatPersistsBothTurns(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &marks{}
	svc := newService(brain.NewMockEngine(), store, Options{Marker: m})

	reply, err := svc.Chat(context.Background(), "u1", "", "What's the weather?")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !reply.Success || reply.Text == "" || reply.ConversationID != dialogue.DefaultConversationID {
		t.Fatalf("Chat() = %+v", reply)
	}

	msgs, err := store.RecentMessages(context.Background(), "u1", memory.MessageQuery{})
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != memory.RoleUser || msgs[0].Content != "What's the weather?" {
		t.Fatalf("user turn = %+v", msgs[0])
	}
	if msgs[1].Role != memory.RoleAssistant || msgs[1].Content != reply.Text {
		t.Fatalf("assistant turn = %+v", msgs[1])
	}
	if m.count() != 1 {
		t.Fatalf("marks = %d, want 1", m.count())
	}
}

func TestChatUpstreamFailureKeepsUserTurn(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &marks{}
	svc := newService(downEngine{}, store, Options{Marker: m})

	reply, err := svc.Chat(context.Background(), "u1", "work", "hello")
	if !errors.Is(err, dialogue.ErrUpstreamGeneration) {
		t.Fatalf("Chat() error = %v, want upstream generation", err)
	}
	if reply.Success || reply.Text != dialogue.FallbackReply {
		t.Fatalf("Chat() = %+v, want fallback", reply)
	}
	msgs, _ := store.RecentMessages(context.Background(), "u1", memory.MessageQuery{})
	if len(msgs) != 1 || msgs[0].Role != memory.RoleUser || msgs[0].ConversationID != "work" {
		t.Fatalf("messages = %+v, want only the user turn", msgs)
	}
	if m.count() != 0 {
		t.Fatalf("marks = %d, want 0", m.count())
	}
}

func TestChatSurvivesStoreFailure(t *testing.T) {
	svc := newService(brain.NewMockEngine(), brokenStore{}, Options{})

	reply, err := svc.Chat(context.Background(), "u1", "", "ping me")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !reply.Success {
		t.Fatalf("Chat() = %+v, want success despite store failure", reply)
	}
}

func TestChatValidation(t *testing.T) {
	svc := newService(brain.NewMockEngine(), memory.NewInMemoryStore(), Options{})

	if _, err := svc.Chat(context.Background(), "u1", "", "   "); !errors.Is(err, dialogue.ErrEmptyMessage) {
		t.Fatalf("Chat(blank) error = %v", err)
	}
	long := strings.Repeat("x", memory.MaxContentLen+1)
	if _, err := svc.Chat(context.Background(), "u1", "", long); !errors.Is(err, memory.ErrInvalid) {
		t.Fatalf("Chat(long) error = %v", err)
	}
	if _, err := svc.ChatStream(context.Background(), "u1", "", ""); !errors.Is(err, dialogue.ErrEmptyMessage) {
		t.Fatalf("ChatStream(blank) error = %v", err)
	}
}

func TestChatRedactsPersistedTurns(t *testing.T) {
	store := memory.NewInMemoryStore()
	svc := newService(brain.NewMockEngine(), store, Options{RedactPII: true})

	if _, err := svc.Chat(context.Background(), "u1", "", "mail me at jane@example.com"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	msgs, _ := store.RecentMessages(context.Background(), "u1", memory.MessageQuery{})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "jane@example.com") || !m.PIIRedacted {
			t.Fatalf("persisted turn not redacted: %+v", m)
		}
	}
}

func TestChatStreamPersistsAssembledReply(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &marks{}
	svc := newService(brain.NewMockEngine(), store, Options{Marker: m})

	chunks, err := svc.ChatStream(context.Background(), "u1", "car", "play some jazz")
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	var text strings.Builder
	done := false
	for c := range chunks {
		if c.Done {
			done = true
			continue
		}
		text.WriteString(c.Text)
	}
	if !done {
		t.Fatalf("stream ended without a done chunk")
	}
	if text.String() != "I heard you: play some jazz" {
		t.Fatalf("streamed text = %q", text.String())
	}

	msgs, _ := store.RecentMessages(context.Background(), "u1", memory.MessageQuery{ConversationID: "car"})
	if len(msgs) != 2 || msgs[1].Content != "I heard you: play some jazz" {
		t.Fatalf("messages = %+v", msgs)
	}
	if m.count() != 1 {
		t.Fatalf("marks = %d, want 1", m.count())
	}
}

func TestChatStreamFallbackSkipsAssistantTurn(t *testing.T) {
	store := memory.NewInMemoryStore()
	svc := newService(downEngine{}, store, Options{})

	chunks, err := svc.ChatStream(context.Background(), "u1", "", "hello")
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	var got []dialogue.Chunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 2 || !got[0].Fallback || !got[1].Done {
		t.Fatalf("chunks = %+v", got)
	}
	msgs, _ := store.RecentMessages(context.Background(), "u1", memory.MessageQuery{})
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
}

func TestResetAndSessions(t *testing.T) {
	svc := newService(brain.NewMockEngine(), memory.NewInMemoryStore(), Options{})
	ctx := context.Background()
	if _, err := svc.Chat(ctx, "u1", "a", "hi"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if _, err := svc.Chat(ctx, "u1", "b", "hi"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := svc.Sessions("u1"); len(got) != 2 {
		t.Fatalf("Sessions() = %v", got)
	}
	if !svc.Reset("u1", "a") {
		t.Fatalf("Reset() = false")
	}
	if got := svc.Sessions("u1"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Sessions() after reset = %v", got)
	}
	if svc.Intent("stop").Type != "interruption" {
		t.Fatalf("Intent(stop) = %+v", svc.Intent("stop"))
	}
}
