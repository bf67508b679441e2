package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/config"
	"github.com/ent0n29/eva/internal/connection"
	"github.com/ent0n29/eva/internal/conversation"
	"github.com/ent0n29/eva/internal/identity"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/realtime"
	"github.com/ent0n29/eva/internal/speech"
	"github.com/ent0n29/eva/internal/tiering"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Identity identity.Resolver
	Store    memory.Store
	Registry *connection.Registry
	Chat     *conversation.Service
	Speech   *speech.Registry
	Tiering  *tiering.Pipeline
	Realtime *realtime.Handler
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	identity identity.Resolver
	store    memory.Store
	registry *connection.Registry
	chat     *conversation.Service
	speech   *speech.Registry
	tiering  *tiering.Pipeline
	realtime *realtime.Handler
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// baseCtx is cancelled on shutdown so websocket handlers can close
	// their connections with a going-away code.
	baseCtx context.Context
}

func New(ctx context.Context, cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		identity: deps.Identity,
		store:    deps.Store,
		registry: deps.Registry,
		chat:     deps.Chat,
		speech:   deps.Speech,
		tiering:  deps.Tiering,
		realtime: deps.Realtime,
		metrics:  deps.Metrics,
		logger:   logger.Named("http"),
		upgrader: newUpgrader(cfg.AllowAnyOrigin),
		baseCtx:  ctx,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/speech/{device_id}", s.handleSpeechWS)
	r.Get("/ws/info", s.handleWSInfo)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(s.requireUser)

		r.Get("/v1/perf/operations", s.handlePerfOperations)
		r.Get("/v1/speech/voices", s.handleListVoices)

		r.Route("/v1/memory", func(r chi.Router) {
			r.Post("/", s.handleCreateMemory)
			r.Get("/", s.handleListMemories)
			r.Get("/search", s.handleSearchMemories)
			r.Get("/context/recent", s.handleRecentContext)
			r.Delete("/context", s.handleClearContext)
			r.Post("/summarize", s.handleSummarize)
			r.Post("/compress", s.handleCompress)
			r.Get("/{id}", s.handleGetMemory)
			r.Put("/{id}", s.handleUpdateMemory)
			r.Delete("/{id}", s.handleDeleteMemory)
		})

		r.Route("/v1/conversation", func(r chi.Router) {
			r.Post("/chat", s.handleChat)
			r.Post("/chat/stream", s.handleChatStream)
			r.Post("/intent", s.handleIntent)
			r.Get("/history", s.handleHistory)
			r.Delete("/history", s.handleClearHistory)
			r.Get("/sessions", s.handleSessions)
			r.Post("/sessions/{session_id}/reset", s.handleResetSession)
			r.Get("/conversations", s.handleConversations)
			r.Delete("/{session_id}", s.handleDeleteConversation)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(""),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store not ready", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type userKey struct{}

// requireUser resolves the bearer credential and stores the user id on the
// request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.identity.Verify(r.Context(), identity.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			if errors.Is(err, identity.ErrNoCredential) {
				respondError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout > 0 {
		return context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
	}
	return context.WithCancel(r.Context())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
