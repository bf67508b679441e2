package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/speech"
)

type listVoicesResponse struct {
	Engine  string         `json:"engine"`
	Engines []string       `json:"engines"`
	Voices  []speech.Voice `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	engine := strings.TrimSpace(r.URL.Query().Get("engine"))
	language := strings.TrimSpace(r.URL.Query().Get("language"))

	synth, err := s.speech.Synthesizer(engine)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown_engine", "Unknown engine: "+engine)
		return
	}

	voices, err := s.speech.Voices(r.Context(), synth.Name(), language)
	if err != nil {
		s.logger.Warn("list voices failed", zap.String("engine", synth.Name()), zap.Error(err))
		respondError(w, http.StatusBadGateway, "upstream_media", "voice listing failed")
		return
	}
	if voices == nil {
		voices = []speech.Voice{}
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		Engine:  synth.Name(),
		Engines: s.speech.Engines(),
		Voices:  voices,
	})
}
