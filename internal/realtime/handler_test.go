package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/connection"
	"github.com/ent0n29/eva/internal/conversation"
	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/identity"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/speech"
)

// pipeConn is an in-memory Conn. Outbound messages are re-encoded to JSON so
// tests see exactly what a websocket client would.
type pipeConn struct {
	in  chan []byte
	out chan map[string]any

	mu        sync.Mutex
	closed    bool
	code      int
	reason    string
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:       make(chan []byte, 16),
		out:      make(chan map[string]any, 64),
		closedCh: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.closedCh:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	select {
	case c.out <- m:
		return nil
	case <-c.closedCh:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed, c.code, c.reason = true, code, reason
		c.mu.Unlock()
		close(c.closedCh)
	})
	return nil
}

func (c *pipeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *pipeConn) send(t *testing.T, msg string) {
	t.Helper()
	c.in <- []byte(msg)
}

func (c *pipeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (c *pipeConn) expectType(t *testing.T, want string) map[string]any {
	t.Helper()
	m := c.next(t)
	if m["type"] != want {
		t.Fatalf("message type = %v, want %s (%v)", m["type"], want, m)
	}
	return m
}

type fixture struct {
	handler  *Handler
	registry *connection.Registry
	store    *memory.InMemoryStore
}

func newFixture(t *testing.T, engine brain.Engine, opts Options) *fixture {
	t.Helper()
	resolver, err := identity.ParseStaticTokens("good:alice,bob-token:bob")
	if err != nil {
		t.Fatalf("ParseStaticTokens() error = %v", err)
	}
	store := memory.NewInMemoryStore()
	registry := connection.NewRegistry(nil, nil)
	chat := conversation.NewService(dialogue.NewMultiplexer(engine, dialogue.Options{}), store, conversation.Options{})
	media := speech.NewRegistry()
	media.AddTranscriber(speech.NewMockProvider())
	media.AddSynthesizer(speech.NewMockProvider())
	if opts.SendTimeout == 0 {
		opts.SendTimeout = time.Second
	}
	return &fixture{
		handler:  NewHandler(resolver, registry, chat, media, opts),
		registry: registry,
		store:    store,
	}
}

// connect starts Serve and waits for the connected message.
func (f *fixture) connect(t *testing.T, ctx context.Context, device, token string) (*pipeConn, <-chan error) {
	t.Helper()
	conn := newPipeConn()
	done := make(chan error, 1)
	go func() { done <- f.handler.Serve(ctx, conn, device, token) }()
	m := conn.expectType(t, "connected")
	if m["device_id"] != device || m["message"] != connectedMessage {
		t.Fatalf("connected = %v", m)
	}
	return conn, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not return")
		return nil
	}
}

func TestServeRejectsMissingAndInvalidCredentials(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})

	conn := newPipeConn()
	err := f.handler.Serve(context.Background(), conn, "phone", "")
	if !errors.Is(err, identity.ErrNoCredential) || conn.closeCode() != CloseNoCredential {
		t.Fatalf("Serve(no token) = %v, code %d", err, conn.closeCode())
	}

	conn = newPipeConn()
	err = f.handler.Serve(context.Background(), conn, "phone", "forged")
	if !errors.Is(err, identity.ErrInvalidCredential) || conn.closeCode() != CloseInvalidCredential {
		t.Fatalf("Serve(bad token) = %v, code %d", err, conn.closeCode())
	}
	if f.registry.Count("") != 0 {
		t.Fatalf("registry count = %d after failed auth", f.registry.Count(""))
	}
}

func TestServeChatPersistsExchange(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"chat","message":"What's the weather?"}`)
	m := conn.expectType(t, "response")
	if m["success"] != true || m["text"] == "" {
		t.Fatalf("response = %v", m)
	}
	if m["session_id"] != dialogue.DefaultConversationID {
		t.Fatalf("session_id = %v", m["session_id"])
	}

	msgs, _ := f.store.RecentMessages(context.Background(), "alice", memory.MessageQuery{})
	if len(msgs) != 2 || msgs[0].Role != memory.RoleUser || msgs[1].Role != memory.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}

	conn.Close(CloseNormal, "")
	waitDone(t, done)
	if f.registry.Count("alice") != 0 {
		t.Fatalf("registry count = %d after disconnect", f.registry.Count("alice"))
	}
}

func TestServePingHasNoSideEffects(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"ping"}`)
	conn.expectType(t, "pong")
	conn.send(t, `{"type":"interrupt"}`)
	if m := conn.expectType(t, "interrupted"); m["message"] != "Playback interrupted" {
		t.Fatalf("interrupted = %v", m)
	}

	msgs, _ := f.store.RecentMessages(context.Background(), "alice", memory.MessageQuery{})
	if len(msgs) != 0 {
		t.Fatalf("stored messages = %d, want 0", len(msgs))
	}
	if f.registry.Count("alice") != 1 {
		t.Fatalf("registry count = %d, want 1", f.registry.Count("alice"))
	}
	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

func TestServeErrorsKeepConnectionOpen(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"dance"}`)
	if m := conn.expectType(t, "error"); m["error"] != "Unknown message type: dance" || m["code"] != protocol.CodeUnsupportedType {
		t.Fatalf("error = %v", m)
	}
	conn.send(t, `not json`)
	conn.expectType(t, "error")
	conn.send(t, `{"type":"synthesize","text":"hi","engine":"google"}`)
	if m := conn.expectType(t, "error"); m["error"] != "Unknown engine: google" {
		t.Fatalf("error = %v", m)
	}
	conn.send(t, `{"type":"ping"}`)
	conn.expectType(t, "pong")

	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

func TestServeAudioAndSynthesize(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"audio","data":"`+base64.StdEncoding.EncodeToString([]byte("pcm"))+`"}`)
	m := conn.expectType(t, "transcription")
	if m["text"] != "simulated voice input" || m["language"] != "en-US" || m["engine"] != "mock" {
		t.Fatalf("transcription = %v", m)
	}
	in, ok := m["intent"].(map[string]any)
	if !ok || in["type"] != "conversation" {
		t.Fatalf("intent = %v", m["intent"])
	}

	conn.send(t, `{"type":"synthesize","text":"hello there"}`)
	m = conn.expectType(t, "audio")
	if m["content_type"] != "audio/wav" || m["duration_seconds"] != 0.8 || m["data"] == "" {
		t.Fatalf("audio = %v", m)
	}

	conn.send(t, `{"type":"chat","message":"read it to me","include_audio":true}`)
	m = conn.expectType(t, "response")
	if m["audio"] == nil || m["audio_content_type"] != "audio/wav" {
		t.Fatalf("response audio missing: %v", m)
	}

	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

func TestServeSyncsOtherDevices(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	phone, phoneDone := f.connect(t, context.Background(), "phone", "good")
	watch, watchDone := f.connect(t, context.Background(), "watch", "good")
	other, otherDone := f.connect(t, context.Background(), "phone", "bob-token")

	phone.send(t, `{"type":"chat","message":"remember milk","sync_devices":true}`)
	resp := phone.expectType(t, "response")

	m := watch.expectType(t, "sync")
	if m["event"] != "new_message" || m["from_device"] != "phone" || m["message"] != "remember milk" || m["response"] != resp["text"] {
		t.Fatalf("sync = %v", m)
	}
	select {
	case extra := <-phone.out:
		t.Fatalf("origin device got %v", extra)
	case extra := <-other.out:
		t.Fatalf("other user got %v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	for _, c := range []*pipeConn{phone, watch, other} {
		c.Close(CloseNormal, "")
	}
	for _, d := range []<-chan error{phoneDone, watchDone, otherDone} {
		waitDone(t, d)
	}
}

func TestServeSupersededConnectionIsClosed(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	first, firstDone := f.connect(t, context.Background(), "phone", "good")
	second, secondDone := f.connect(t, context.Background(), "phone", "good")

	waitDone(t, firstDone)
	if first.closeCode() != CloseSuperseded {
		t.Fatalf("first close code = %d, want %d", first.closeCode(), CloseSuperseded)
	}
	if f.registry.Count("alice") != 1 {
		t.Fatalf("registry count = %d, want 1", f.registry.Count("alice"))
	}

	second.send(t, `{"type":"ping"}`)
	second.expectType(t, "pong")
	second.Close(CloseNormal, "")
	waitDone(t, secondDone)
	if f.registry.Count("") != 0 {
		t.Fatalf("registry count = %d, want 0", f.registry.Count(""))
	}
}

func TestServeStreamingChat(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"chat","message":"tell me a story","stream":true,"session_id":"night"}`)
	var text string
	for {
		m := conn.expectType(t, "response_chunk")
		if m["done"] == true {
			break
		}
		text += m["text"].(string)
	}
	final := conn.expectType(t, "response")
	if final["text"] != text || final["success"] != true || final["session_id"] != "night" {
		t.Fatalf("final = %v, streamed %q", final, text)
	}
	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

type downEngine struct{}

func (downEngine) StartExchange(context.Context, brain.ExchangeOptions) (brain.Exchange, error) {
	return nil, errors.New("upstream exploded with secret details")
}

func TestServeUpstreamFailureSendsFallback(t *testing.T) {
	f := newFixture(t, downEngine{}, Options{})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"chat","message":"hello"}`)
	m := conn.expectType(t, "response")
	if m["success"] != false || m["text"] != dialogue.FallbackReply {
		t.Fatalf("response = %v", m)
	}
	if s, _ := m["error"].(string); s == "" || s == "upstream exploded with secret details" {
		t.Fatalf("error field = %q", s)
	}
	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

func TestServeRateLimit(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{RateLimit: 0.001, RateBurst: 1})
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"ping"}`)
	conn.expectType(t, "pong")
	conn.send(t, `{"type":"ping"}`)
	if m := conn.expectType(t, "error"); m["code"] != protocol.CodeRateLimited {
		t.Fatalf("error = %v", m)
	}
	conn.Close(CloseNormal, "")
	waitDone(t, done)
}

func TestServeShutdownClosesConnection(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	conn, done := f.connect(t, ctx, "phone", "good")

	cancel()
	waitDone(t, done)
	if conn.closeCode() != CloseGoingAway {
		t.Fatalf("close code = %d, want %d", conn.closeCode(), CloseGoingAway)
	}
	if f.registry.Count("") != 0 {
		t.Fatalf("registry count = %d, want 0", f.registry.Count(""))
	}
}

func TestServeRecoversFromHandlerPanic(t *testing.T) {
	f := newFixture(t, brain.NewMockEngine(), Options{})
	f.handler.speech = nil
	conn, done := f.connect(t, context.Background(), "phone", "good")

	conn.send(t, `{"type":"audio","data":"AQID"}`)
	if m := conn.expectType(t, "error"); m["code"] != protocol.CodeInternal {
		t.Fatalf("error = %v", m)
	}
	conn.send(t, `{"type":"ping"}`)
	conn.expectType(t, "pong")
	conn.Close(CloseNormal, "")
	waitDone(t, done)
}
