package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/fitlog/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

// NewRouter wires the REST API and the event socket.
func NewRouter(h *handlers.Handler, hub *WSHub) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)

		r.Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)

		r.Post("/sync", h.StartSync)
		r.Get("/sync/decision", h.Decision)
		r.Get("/sync/dead-letters", h.DeadLetters)
		r.Post("/sync/dead-letters/retry", h.RetryDeadLetters)
		r.Delete("/sync/dead-letters/{id}", h.DiscardDeadLetter)

		r.Get("/conditions", h.Conditions)
		r.Put("/conditions", h.ReportConditions)

		r.Get("/backups", h.ListBackups)
		r.Post("/backups", h.CreateBackup)
		r.Post("/backups/audit", h.AuditBackups)
		r.Post("/backups/{id}/verify", h.VerifyBackup)
		r.Post("/backups/{id}/restore", h.RestoreBackup)

		r.Get("/entities/{type}", h.ListEntities)
		r.Post("/entities/{type}", h.PutEntity)
		r.Get("/entities/{type}/{id}", h.GetEntity)
		r.Put("/entities/{type}/{id}", h.PutEntity)
		r.Delete("/entities/{type}/{id}", h.DeleteEntity)
	})
	r.Get("/ws", HandleWebSocket(hub))
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug("[API] Request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
