package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// maxEntityBytes bounds a single entity body.
const maxEntityBytes = 1 << 20

// Login handles POST /auth/login with AuthData as the body.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var auth integration.AuthData
	if !decode(w, r, &auth) {
		return
	}
	res, err := h.integ.HandleAuthentication(r.Context(), auth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.integ.SignOut(); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func entityType(r *http.Request) (models.EntityType, error) {
	et := models.EntityType(chi.URLParam(r, "type"))
	if !et.Valid() {
		return "", apperrors.New(apperrors.ErrNotFound, "unknown entity type "+string(et))
	}
	return et, nil
}

// ListEntities handles GET /entities/{type}.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	et, err := entityType(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.integ.List(r.Context(), et)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": h.integ.Namespace(),
		"items":     recs,
	})
}

// GetEntity handles GET /entities/{type}/{id}.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	et, err := entityType(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.integ.Get(r.Context(), et, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutEntity handles POST /entities/{type} and PUT /entities/{type}/{id}.
// The body is the entity JSON.
func (h *Handler) PutEntity(w http.ResponseWriter, r *http.Request) {
	et, err := entityType(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEntityBytes+1))
	if err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "failed to read body", err))
		return
	}
	if len(body) > maxEntityBytes {
		WriteProblem(w, r, http.StatusRequestEntityTooLarge, string(apperrors.ErrInvalid), "entity too large")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.integ.Write(r.Context(), et, id, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if id == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

// DeleteEntity handles DELETE /entities/{type}/{id}.
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	et, err := entityType(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.integ.Delete(r.Context(), et, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
