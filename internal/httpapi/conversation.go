package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/intent"
	"github.com/ent0n29/eva/internal/memory"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Message   string        `json:"message"`
	SessionID string        `json:"session_id"`
	Success   bool          `json:"success"`
	Intent    intent.Result `json:"intent"`
	Error     string        `json:"error,omitempty"`
}

type intentRequest struct {
	Text string `json:"text"`
}

// conversationView is a persisted conversation plus whether a dialogue
// session for it is live in this process.
type conversationView struct {
	memory.ConversationSummary
	Active bool `json:"active"`
}

type conversationsResponse struct {
	Conversations []conversationView `json:"conversations"`
	Count         int                `json:"count"`
}

type deleteConversationResponse struct {
	Success         bool `json:"success"`
	MessagesCleared int  `json:"messages_cleared"`
	SessionReset    bool `json:"session_reset"`
}

// streamEvent is the data payload of one server-sent chat event.
type streamEvent struct {
	Text      string `json:"text,omitempty"`
	Done      bool   `json:"done"`
	Fallback  bool   `json:"fallback,omitempty"`
	SessionID string `json:"session_id"`
}

type sessionsResponse struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}

	reply, err := s.chat.Chat(r.Context(), userFrom(r), req.SessionID, req.Message)
	switch {
	case errors.Is(err, dialogue.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "invalid_message", "No message provided")
		return
	case errors.Is(err, memory.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}

	resp := chatResponse{
		Message:   reply.Text,
		SessionID: reply.ConversationID,
		Success:   reply.Success,
		Intent:    s.chat.Intent(req.Message),
	}
	if err != nil {
		// The fallback reply is still a usable answer for the client.
		resp.Error = "The assistant could not answer right now"
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleChatStream relays a streamed reply as server-sent events: one
// "chunk" event per delta and a final "done" event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}

	userID := userFrom(r)
	chunks, err := s.chat.ChatStream(r.Context(), userID, req.SessionID, req.Message)
	switch {
	case errors.Is(err, dialogue.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "invalid_message", "No message provided")
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	sessionID := dialogue.NewKey(userID, req.SessionID).ConversationID

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	for c := range chunks {
		event := "chunk"
		if c.Done {
			event = "done"
		}
		data, err := json.Marshal(streamEvent{Text: c.Text, Done: c.Done, Fallback: c.Fallback, SessionID: sessionID})
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			s.logger.Debug("chat stream client gone", zap.Error(err))
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_message", "No text provided")
		return
	}
	respondJSON(w, http.StatusOK, s.chat.Intent(req.Text))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	msgs, err := s.store.RecentMessages(ctx, userFrom(r), memory.MessageQuery{
		ConversationID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		Limit:          queryLimit(r, 50, 100),
	})
	if err != nil {
		s.storeError(w, "history", err)
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{Messages: nonNilMessages(msgs), Count: len(msgs)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	ctx, cancel := s.storeContext(r)
	defer cancel()
	n, err := s.store.ClearMessages(ctx, userID, sessionID)
	if err != nil {
		s.storeError(w, "clear history", err)
		return
	}
	if sessionID != "" {
		s.chat.Reset(userID, sessionID)
	} else {
		for _, id := range s.chat.Sessions(userID) {
			s.chat.Reset(userID, id)
		}
	}
	respondJSON(w, http.StatusOK, clearResponse{Success: true, MessagesCleared: n})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.chat.Sessions(userFrom(r))
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: ids, Count: len(ids)})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	existed := s.chat.Reset(userFrom(r), chi.URLParam(r, "session_id"))
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "existed": existed})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	ctx, cancel := s.storeContext(r)
	defer cancel()
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		s.storeError(w, "list conversations", err)
		return
	}

	live := make(map[string]bool)
	for _, id := range s.chat.Sessions(userID) {
		live[id] = true
	}
	out := make([]conversationView, len(convs))
	for i, c := range convs {
		out[i] = conversationView{ConversationSummary: c, Active: live[c.ID]}
	}
	respondJSON(w, http.StatusOK, conversationsResponse{Conversations: out, Count: len(out)})
}

// handleDeleteConversation drops a conversation's persisted turns and its
// live dialogue session.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session", "session id is required")
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	n, err := s.store.ClearMessages(ctx, userID, id)
	if err != nil {
		s.storeError(w, "delete conversation", err)
		return
	}
	reset := s.chat.Reset(userID, id)
	respondJSON(w, http.StatusOK, deleteConversationResponse{Success: true, MessagesCleared: n, SessionReset: reset})
}
