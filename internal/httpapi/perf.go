package httpapi

import (
	"net/http"

	"github.com/ent0n29/eva/internal/observability"
)

func (s *Server) handlePerfOperations(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.OperationSnapshot()
	if snap.Operations == nil {
		snap.Operations = []observability.OperationStats{}
	}
	respondJSON(w, http.StatusOK, snap)
}
