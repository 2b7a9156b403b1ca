// Package handlers provides the REST API of the desktop server.
package handlers

import (
	"net/http"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Code     string `json:"code,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("[API] Failed to encode response", err)
	}
}

// WriteProblem writes a problem details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	p := Problem{
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Code:     code,
		Instance: r.URL.Path,
	}
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logging.Error("[API] Failed to encode problem", err)
	}
}

// statusOf maps an error code to an HTTP status.
func statusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrPermanentValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrBackupNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrBackupInProgress:
		return http.StatusConflict
	case apperrors.ErrCorruptBackup:
		return http.StatusUnprocessableEntity
	case apperrors.ErrQueueFull:
		return http.StatusTooManyRequests
	case apperrors.ErrTransientNetwork, apperrors.ErrRemoteNotConfigured, apperrors.ErrSchedulerDenied:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a problem response. Internal details are not
// exposed for 5xx errors other than service-unavailable ones.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusOf(code)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("[API] Request failed", string(code), err, map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		})
		detail = "internal error"
	}
	WriteProblem(w, r, status, string(code), detail)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
