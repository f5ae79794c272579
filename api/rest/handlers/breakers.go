package handlers

import (
	"net/http"

	"inference-orchestrator/core/breaker"

	"github.com/gorilla/mux"
)

// BreakerHandler exposes circuit breaker state. Breakers backed by a shared
// store report the state seen by every worker.
type BreakerHandler struct {
	breakers map[string]*breaker.Breaker
}

func NewBreakerHandler(breakers ...*breaker.Breaker) *BreakerHandler {
	byName := make(map[string]*breaker.Breaker, len(breakers))
	for _, b := range breakers {
		byName[b.Name()] = b
	}
	return &BreakerHandler{breakers: byName}
}

// GetBreaker handles GET /v1/breakers/{name}
func (h *BreakerHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	b, ok := h.breakers[mux.Vars(r)["name"]]
	if !ok {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	writeJSON(w, http.StatusOK, b.Stats(r.Context()))
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *BreakerHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	b, ok := h.breakers[mux.Vars(r)["name"]]
	if !ok {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	b.Reset(r.Context())
	writeJSON(w, http.StatusOK, b.Stats(r.Context()))
}
