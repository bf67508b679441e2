package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/config"
	"github.com/ent0n29/eva/internal/connection"
	"github.com/ent0n29/eva/internal/conversation"
	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/identity"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/realtime"
	"github.com/ent0n29/eva/internal/speech"
	"github.com/ent0n29/eva/internal/tiering"
)

type testServer struct {
	*httptest.Server
	store    *memory.InMemoryStore
	registry *connection.Registry
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	resolver, err := identity.ParseStaticTokens("alice-token:alice,bob-token:bob")
	if err != nil {
		t.Fatalf("ParseStaticTokens() error = %v", err)
	}
	store := memory.NewInMemoryStore()
	engine := brain.NewMockEngine()
	registry := connection.NewRegistry(nil, nil)
	chat := conversation.NewService(dialogue.NewMultiplexer(engine, dialogue.Options{}), store, conversation.Options{})
	media := speech.NewRegistry()
	media.AddTranscriber(speech.NewMockProvider())
	media.AddSynthesizer(speech.NewMockProvider())

	srv := New(context.Background(), cfg, Deps{
		Identity: resolver,
		Store:    store,
		Registry: registry,
		Chat:     chat,
		Speech:   media,
		Tiering:  tiering.NewPipeline(store, engine, tiering.Options{}),
		Realtime: realtime.NewHandler(resolver, registry, chat, media, realtime.Options{SendTimeout: time.Second}),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, registry: registry}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	if status, body := ts.do(t, http.MethodGet, "/healthz", "", nil); status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", status, body)
	}
	if status, body := ts.do(t, http.MethodGet, "/readyz", "", nil); status != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", status, body)
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, body := ts.do(t, http.MethodGet, "/v1/memory", "", nil)
	if status != http.StatusUnauthorized || body["code"] != "unauthenticated" {
		t.Fatalf("no token = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, "/v1/memory", "forged", nil)
	if status != http.StatusUnauthorized || body["code"] != "invalid_token" {
		t.Fatalf("bad token = %d %v", status, body)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, created := ts.do(t, http.MethodPost, "/v1/memory", "alice-token", map[string]any{
		"category": "Preference",
		"content":  "Prefers tea over coffee",
	})
	if status != http.StatusCreated {
		t.Fatalf("create = %d %v", status, created)
	}
	id, _ := created["id"].(string)
	if id == "" || created["importance"] != float64(memory.DefaultImportance) || created["category"] != "preference" {
		t.Fatalf("created = %v", created)
	}

	if status, _ := ts.do(t, http.MethodGet, "/v1/memory/"+id, "bob-token", nil); status != http.StatusNotFound {
		t.Fatalf("other user get = %d, want 404", status)
	}

	status, updated := ts.do(t, http.MethodPut, "/v1/memory/"+id, "alice-token", map[string]any{"importance": 9})
	if status != http.StatusOK || updated["importance"] != float64(9) {
		t.Fatalf("update = %d %v", status, updated)
	}

	status, found := ts.do(t, http.MethodGet, "/v1/memory/search?q=TEA", "alice-token", nil)
	if status != http.StatusOK || found["count"] != float64(1) {
		t.Fatalf("search = %d %v", status, found)
	}

	status, listed := ts.do(t, http.MethodGet, "/v1/memory?category=goal", "alice-token", nil)
	if status != http.StatusOK || listed["count"] != float64(0) {
		t.Fatalf("list goal = %d %v", status, listed)
	}

	if status, _ := ts.do(t, http.MethodDelete, "/v1/memory/"+id, "alice-token", nil); status != http.StatusOK {
		t.Fatalf("delete = %d", status)
	}
	if status, _ := ts.do(t, http.MethodGet, "/v1/memory/"+id, "alice-token", nil); status != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", status)
	}
}

func TestMemoryRejectsInvalidInput(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{name: "unknown category", body: map[string]any{"category": "gossip", "content": "x"}},
		{name: "empty content", body: map[string]any{"category": "fact", "content": "  "}},
		{name: "importance out of range", body: map[string]any{"category": "fact", "content": "x", "importance": 11}},
		{name: "explicit zero importance", body: map[string]any{"category": "fact", "content": "x", "importance": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, "/v1/memory", "alice-token", tc.body)
			if status != http.StatusBadRequest || body["code"] != "invalid_memory" {
				t.Fatalf("create = %d %v", status, body)
			}
		})
	}

	if status, _ := ts.do(t, http.MethodGet, "/v1/memory/search", "alice-token", nil); status != http.StatusBadRequest {
		t.Fatalf("search without q = %d, want 400", status)
	}
}

func TestMemoryCreateRedactsWhenEnabled(t *testing.T) {
	ts := newTestServer(t, config.Config{MemoryRedactPII: true})

	status, created := ts.do(t, http.MethodPost, "/v1/memory", "alice-token", map[string]any{
		"category":   "fact",
		"content":    "Her email is jane@example.com",
		"importance": 4,
		"metadata":   map[string]any{"phone": "+1 (555) 123-9876"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create = %d %v", status, created)
	}
	content, _ := created["content"].(string)
	if strings.Contains(content, "jane@example.com") || created["importance"] != float64(4) {
		t.Fatalf("created = %v", created)
	}
	meta, _ := created["metadata"].(map[string]any)
	if meta["phone"] != "[REDACTED_PHONE]" {
		t.Fatalf("metadata = %v, want masked phone", meta)
	}
	cats, _ := meta[memory.MetadataRedacted].([]any)
	if len(cats) != 2 || cats[0] != "email" || cats[1] != "phone" {
		t.Fatalf("metadata[%s] = %v, want [email phone]", memory.MetadataRedacted, meta[memory.MetadataRedacted])
	}

	id, _ := created["id"].(string)
	status, updated := ts.do(t, http.MethodPut, "/v1/memory/"+id, "alice-token", map[string]any{
		"content":  "New address jane@work.example.org",
		"metadata": map[string]any{"source": "manual"},
	})
	if status != http.StatusOK {
		t.Fatalf("update = %d %v", status, updated)
	}
	if c, _ := updated["content"].(string); strings.Contains(c, "@work") {
		t.Fatalf("updated content = %q, want masked", c)
	}
}

func TestChatPersistsAndListsHistory(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, reply := ts.do(t, http.MethodPost, "/v1/conversation/chat", "alice-token", map[string]any{
		"message":    "remind me to water the plants",
		"session_id": "kitchen",
	})
	if status != http.StatusOK || reply["success"] != true || reply["session_id"] != "kitchen" {
		t.Fatalf("chat = %d %v", status, reply)
	}
	if reply["message"] != "I heard you: remind me to water the plants" {
		t.Fatalf("message = %v", reply["message"])
	}
	if in, _ := reply["intent"].(map[string]any); in["type"] != "command" {
		t.Fatalf("intent = %v", reply["intent"])
	}

	status, history := ts.do(t, http.MethodGet, "/v1/conversation/history?session_id=kitchen", "alice-token", nil)
	if status != http.StatusOK || history["count"] != float64(2) {
		t.Fatalf("history = %d %v", status, history)
	}

	status, sessions := ts.do(t, http.MethodGet, "/v1/conversation/sessions", "alice-token", nil)
	if status != http.StatusOK || sessions["count"] != float64(1) {
		t.Fatalf("sessions = %d %v", status, sessions)
	}

	status, cleared := ts.do(t, http.MethodDelete, "/v1/conversation/history?session_id=kitchen", "alice-token", nil)
	if status != http.StatusOK || cleared["messages_cleared"] != float64(2) {
		t.Fatalf("clear = %d %v", status, cleared)
	}
	if _, sessions := ts.do(t, http.MethodGet, "/v1/conversation/sessions", "alice-token", nil); sessions["count"] != float64(0) {
		t.Fatalf("sessions after clear = %v", sessions)
	}
}

func TestConversationListAndDelete(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for _, turn := range []struct{ session, message string }{
		{"kitchen", "remind me to water the plants"},
		{"garage", "where did I leave the drill"},
		{"kitchen", "and feed the cat"},
	} {
		status, reply := ts.do(t, http.MethodPost, "/v1/conversation/chat", "alice-token", map[string]any{
			"message":    turn.message,
			"session_id": turn.session,
		})
		if status != http.StatusOK {
			t.Fatalf("chat = %d %v", status, reply)
		}
	}

	status, listed := ts.do(t, http.MethodGet, "/v1/conversation/conversations", "alice-token", nil)
	if status != http.StatusOK || listed["count"] != float64(2) {
		t.Fatalf("conversations = %d %v", status, listed)
	}
	convs, _ := listed["conversations"].([]any)
	latest, _ := convs[0].(map[string]any)
	if latest["id"] != "kitchen" || latest["message_count"] != float64(4) || latest["active"] != true {
		t.Fatalf("latest conversation = %v", latest)
	}
	if latest["title"] != "remind me to water the plants" || latest["created_at"] == nil || latest["updated_at"] == nil {
		t.Fatalf("latest conversation = %v", latest)
	}

	status, deleted := ts.do(t, http.MethodDelete, "/v1/conversation/kitchen", "alice-token", nil)
	if status != http.StatusOK || deleted["messages_cleared"] != float64(4) || deleted["session_reset"] != true {
		t.Fatalf("delete = %d %v", status, deleted)
	}
	_, listed = ts.do(t, http.MethodGet, "/v1/conversation/conversations", "alice-token", nil)
	if listed["count"] != float64(1) {
		t.Fatalf("conversations after delete = %v", listed)
	}
	if _, sessions := ts.do(t, http.MethodGet, "/v1/conversation/sessions", "alice-token", nil); sessions["count"] != float64(1) {
		t.Fatalf("sessions after delete = %v", sessions)
	}

	if _, other := ts.do(t, http.MethodGet, "/v1/conversation/conversations", "bob-token", nil); other["count"] != float64(0) {
		t.Fatalf("other user conversations = %v", other)
	}
}

func TestChatStreamSendsServerSentEvents(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	raw, err := json.Marshal(map[string]any{"message": "play some jazz", "session_id": "car"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/conversation/chat/stream", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer alice-token")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST chat/stream error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stream = %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}

	var text strings.Builder
	done := false
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev struct {
			Text      string `json:"text"`
			Done      bool   `json:"done"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", data, err)
		}
		if ev.SessionID != "car" {
			t.Fatalf("session_id = %q, want car", ev.SessionID)
		}
		if ev.Done {
			done = true
			continue
		}
		text.WriteString(ev.Text)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !done || text.String() != "I heard you: play some jazz" {
		t.Fatalf("streamed %q done=%v", text.String(), done)
	}

	_, history := ts.do(t, http.MethodGet, "/v1/conversation/history?session_id=car", "alice-token", nil)
	if history["count"] != float64(2) {
		t.Fatalf("history = %v", history)
	}

	status, body := ts.do(t, http.MethodPost, "/v1/conversation/chat/stream", "alice-token", map[string]any{"message": "  "})
	if status != http.StatusBadRequest || body["code"] != "invalid_message" {
		t.Fatalf("empty stream = %d %v", status, body)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, body := ts.do(t, http.MethodPost, "/v1/conversation/chat", "alice-token", map[string]any{"message": " "})
	if status != http.StatusBadRequest || body["error"] != "No message provided" {
		t.Fatalf("chat = %d %v", status, body)
	}
}

func TestRecentContextAndClear(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if _, err := ts.store.AppendMessage(ctx, memory.Message{UserID: "alice", Role: memory.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	status, recent := ts.do(t, http.MethodGet, "/v1/memory/context/recent?limit=2", "alice-token", nil)
	if status != http.StatusOK || recent["count"] != float64(2) {
		t.Fatalf("recent = %d %v", status, recent)
	}
	msgs, _ := recent["messages"].([]any)
	if last, _ := msgs[1].(map[string]any); last["content"] != "three" {
		t.Fatalf("recent messages = %v", msgs)
	}

	status, cleared := ts.do(t, http.MethodDelete, "/v1/memory/context", "alice-token", nil)
	if status != http.StatusOK || cleared["success"] != true || cleared["messages_cleared"] != float64(3) {
		t.Fatalf("clear = %d %v", status, cleared)
	}
}

func TestCompressEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	if _, err := ts.store.AppendMessage(context.Background(), memory.Message{UserID: "alice", Role: memory.RoleUser, Content: "I live in Lisbon"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	status, body := ts.do(t, http.MethodPost, "/v1/memory/compress", "alice-token", nil)
	if status != http.StatusOK || body["messages_compressed"] != float64(1) {
		t.Fatalf("compress = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodPost, "/v1/memory/summarize", "alice-token", nil)
	if status != http.StatusOK || body["message_count"] != float64(1) {
		t.Fatalf("summarize = %d %v", status, body)
	}
}

func TestListVoices(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, body := ts.do(t, http.MethodGet, "/v1/speech/voices", "alice-token", nil)
	if status != http.StatusOK || body["engine"] != "mock" {
		t.Fatalf("voices = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, "/v1/speech/voices?engine=nope", "alice-token", nil)
	if status != http.StatusBadRequest || body["error"] != "Unknown engine: nope" {
		t.Fatalf("unknown engine = %d %v", status, body)
	}
}

func TestWSInfo(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	status, body := ts.do(t, http.MethodGet, "/ws/info", "", nil)
	if status != http.StatusOK || body["endpoint"] != "/ws/speech/{device_id}" {
		t.Fatalf("ws info = %d %v", status, body)
	}
	if inbound, _ := body["inbound_types"].([]any); len(inbound) != 5 {
		t.Fatalf("inbound_types = %v", body["inbound_types"])
	}
}

func wsURL(ts *testServer, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestSpeechWebsocketRoundTrip(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/speech/phone?token=alice-token"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var connected map[string]any
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if connected["type"] != "connected" || connected["user_id"] != "alice" || connected["device_id"] != "phone" {
		t.Fatalf("connected = %v", connected)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("pong = %v", pong)
	}
	if n := ts.registry.Count("alice"); n != 1 {
		t.Fatalf("Count(alice) = %d, want 1", n)
	}
}

func TestSpeechWebsocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/speech/phone?token=forged"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != realtime.CloseInvalidCredential {
		t.Fatalf("ReadMessage() error = %v, want close %d", err, realtime.CloseInvalidCredential)
	}
}

func TestSpeechWebsocketChecksOrigin(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/speech/phone?token=alice-token"), header)
	if err == nil {
		t.Fatalf("Dial() expected cross-origin rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}

	open := newTestServer(t, config.Config{AllowAnyOrigin: true})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(open, "/ws/speech/phone?token=alice-token"), header)
	if err != nil {
		t.Fatalf("Dial() with AllowAnyOrigin error = %v", err)
	}
	conn.Close()
}
