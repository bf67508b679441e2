package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/tiering"
)

// createMemoryRequest leaves Importance nil when the client omitted it, so
// an explicit 0 is rejected rather than defaulted.
type createMemoryRequest struct {
	Category   string         `json:"category"`
	Content    string         `json:"content"`
	Importance *int           `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

type recordsResponse struct {
	Memories []memory.Record `json:"memories"`
	Count    int             `json:"count"`
}

type messagesResponse struct {
	Messages []memory.Message `json:"messages"`
	Count    int              `json:"count"`
}

type clearResponse struct {
	Success         bool `json:"success"`
	MessagesCleared int  `json:"messages_cleared"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	category, err := memory.ParseCategory(req.Category)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_memory", err.Error())
		return
	}
	importance := memory.DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	rec := memory.Record{
		UserID:     userFrom(r),
		Category:   category,
		Content:    req.Content,
		Importance: importance,
		Metadata:   req.Metadata,
	}
	if s.cfg.MemoryRedactPII {
		rec = memory.RedactRecord(rec)
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	rec, err = s.store.CreateRecord(ctx, rec)
	if err != nil {
		s.storeError(w, "create memory", err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := memory.RecordQuery{Limit: queryLimit(r, 50, 100)}
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		c, err := memory.ParseCategory(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_memory", err.Error())
			return
		}
		q.Category = c
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	recs, err := s.store.QueryRecords(ctx, userFrom(r), q)
	if err != nil {
		s.storeError(w, "list memories", err)
		return
	}
	respondJSON(w, http.StatusOK, recordsResponse{Memories: nonNilRecords(recs), Count: len(recs)})
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "invalid_query", "q is required")
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	recs, err := s.store.SearchRecords(ctx, userFrom(r), query, queryLimit(r, 10, 50))
	if err != nil {
		s.storeError(w, "search memories", err)
		return
	}
	respondJSON(w, http.StatusOK, recordsResponse{Memories: nonNilRecords(recs), Count: len(recs)})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	rec, err := s.store.GetRecord(ctx, userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get memory", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var u memory.RecordUpdate
	if err := decodeJSON(r, &u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if u.Empty() {
		respondError(w, http.StatusBadRequest, "invalid_memory", "no fields to update")
		return
	}
	if s.cfg.MemoryRedactPII {
		u = memory.RedactUpdate(u)
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	rec, err := s.store.UpdateRecord(ctx, userFrom(r), chi.URLParam(r, "id"), u)
	if err != nil {
		s.storeError(w, "update memory", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	if err := s.store.DeleteRecord(ctx, userFrom(r), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, "delete memory", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRecentContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	msgs, err := s.store.RecentMessages(ctx, userFrom(r), memory.MessageQuery{
		ConversationID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		Limit:          queryLimit(r, 20, 50),
	})
	if err != nil {
		s.storeError(w, "recent context", err)
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{Messages: nonNilMessages(msgs), Count: len(msgs)})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	n, err := s.store.ClearMessages(ctx, userFrom(r), strings.TrimSpace(r.URL.Query().Get("session_id")))
	if err != nil {
		s.storeError(w, "clear context", err)
		return
	}
	respondJSON(w, http.StatusOK, clearResponse{Success: true, MessagesCleared: n})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	summary, err := s.tiering.Summarize(r.Context(), userFrom(r))
	if err != nil {
		s.tieringError(w, "summarize", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	result, err := s.tiering.Compress(r.Context(), userFrom(r))
	if err != nil {
		s.tieringError(w, "compress", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) tieringError(w http.ResponseWriter, op string, err error) {
	if tiering.IsUpstream(err) {
		s.logger.Warn("memory "+op+" failed upstream", zap.Error(err))
		respondError(w, http.StatusBadGateway, "upstream_generation", "the assistant could not process memories right now")
		return
	}
	s.storeError(w, op, err)
}

// storeError maps memory errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "memory not found")
	case errors.Is(err, memory.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_memory", err.Error())
	case errors.Is(err, memory.ErrDuplicate):
		respondError(w, http.StatusConflict, "duplicate", err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", "memory store failure")
	}
}

// queryLimit reads ?limit=, falling back to def and clamping to maxLimit.
func queryLimit(r *http.Request, def, maxLimit int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func nonNilRecords(rs []memory.Record) []memory.Record {
	if rs == nil {
		return []memory.Record{}
	}
	return rs
}

func nonNilMessages(ms []memory.Message) []memory.Message {
	if ms == nil {
		return []memory.Message{}
	}
	return ms
}
