package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// ListBackups handles GET /backups.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	recs, err := h.integ.ListBackups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": recs,
		"status":  h.integ.Status().Backup,
	})
}

// CreateBackup handles POST /backups with {"type", "description"}.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        models.BackupType `json:"type"`
		Description string            `json:"description"`
	}
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.integ.CreateBackup(r.Context(), req.Type, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// VerifyBackup handles POST /backups/{id}/verify.
func (h *Handler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.integ.Backups().VerifyBackup(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": true})
}

// RestoreBackup handles POST /backups/{id}/restore with RecoveryOptions as
// the body. Validation defaults to on.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	opts := backup.RecoveryOptions{ValidateData: true}
	if !decode(w, r, &opts) {
		return
	}
	res, err := h.integ.RestoreFromBackup(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AuditBackups handles POST /backups/audit.
func (h *Handler) AuditBackups(w http.ResponseWriter, r *http.Request) {
	report, err := h.integ.AuditBackups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
