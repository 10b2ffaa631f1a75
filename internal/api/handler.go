// Package api exposes the advisor over HTTP and WebSocket.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/advisor/internal/middleware"
	"github.com/ashureev/advisor/internal/orchestrator"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/ashureev/advisor/internal/session"
	"github.com/ashureev/advisor/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 16 << 10

// Deps are the collaborators of the API handlers. Repo, Limiter and Conns may
// be nil.
type Deps struct {
	Router        *orchestrator.Router
	Sessions      *session.Store
	Schema        *schema.Schema
	Repo          store.Repository
	Limiter       *middleware.RateLimiter
	Conns         *ConnRegistry
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// Handler serves the advisor API.
type Handler struct {
	Deps
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Conns == nil {
		d.Conns = NewConnRegistry()
	}
	return &Handler{Deps: d}
}

// RegisterRoutes mounts the API and WebSocket routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	limited := func(next http.Handler) http.Handler { return next }
	if h.Limiter != nil {
		limited = h.Limiter.Middleware
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/schema", h.GetSchema)
		r.Get("/session", h.GetSession)
		r.Delete("/session", h.ResetSession)
		r.With(limited).Post("/chat", h.Chat)
	})
	r.Get("/ws/chat", h.ServeWS)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
