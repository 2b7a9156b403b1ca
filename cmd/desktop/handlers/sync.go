package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/fitlog/backend/internal/device"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
)

// Handler serves the REST API over one Integration.
type Handler struct {
	integ *integration.Integration
}

// New creates a Handler.
func New(integ *integration.Integration) *Handler {
	return &Handler{integ: integ}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.integ.GetServiceHealth(r.Context())
	status := http.StatusOK
	if health.Overall == integration.ComponentUnhealthy && health.Components["database"].State == integration.ComponentUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.integ.Status())
}

// StartSync handles POST /sync. The optional body {"priority": "..."}
// selects the priority; "force": true bypasses the scheduler.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority syncpkg.Priority `json:"priority"`
		Force    bool             `json:"force"`
	}
	if !decode(w, r, &req) {
		return
	}
	var (
		res *syncpkg.SyncResult
		err error
	)
	if req.Force {
		res, err = h.integ.ForceSync(r.Context())
	} else {
		res, err = h.integ.StartSync(r.Context(), req.Priority)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Decision handles GET /sync/decision?priority=...
func (h *Handler) Decision(w http.ResponseWriter, r *http.Request) {
	d, err := h.integ.MakeSyncDecision(r.Context(), syncpkg.Priority(r.URL.Query().Get("priority")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Conditions handles GET /conditions.
func (h *Handler) Conditions(w http.ResponseWriter, r *http.Request) {
	c, err := h.integ.GetCurrentConditions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ReportConditions handles PUT /conditions.
func (h *Handler) ReportConditions(w http.ResponseWriter, r *http.Request) {
	var c device.Conditions
	if !decode(w, r, &c) {
		return
	}
	h.integ.ReportConditions(r.Context(), c)
	w.WriteHeader(http.StatusNoContent)
}

// DeadLetters handles GET /sync/dead-letters.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.integ.DeadLetters())
}

// RetryDeadLetters handles POST /sync/dead-letters/retry.
func (h *Handler) RetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.integ.RetryDeadLetters(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// DiscardDeadLetter handles DELETE /sync/dead-letters/{id}.
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.integ.DiscardDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
