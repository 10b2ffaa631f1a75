package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/identity"
	"github.com/ashureev/advisor/internal/orchestrator"
	"github.com/ashureev/advisor/internal/session"
)

// retryAfterSeconds is sent with busy responses.
const retryAfterSeconds = "1"

type chatRequest struct {
	Message string `json:"message"`
}

// Chat handles one conversational turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := orchestrator.WithChannel(r.Context(), "http")
	resp, err := h.Router.HandleMessage(ctx, userID, req.Message)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		h.Logger.Error("Chat turn failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	if resp.Status == orchestrator.StatusBusy {
		w.Header().Set("Retry-After", retryAfterSeconds)
		JSON(w, http.StatusConflict, resp)
		return
	}
	JSON(w, http.StatusOK, resp)
}

type sessionView struct {
	ID           string                 `json:"session_id"`
	UserID       string                 `json:"user_id"`
	Profile      map[string]any         `json:"profile"`
	MissingSlots []string               `json:"missing_slots"`
	Complete     bool                   `json:"complete"`
	ActiveUnit   domain.Unit            `json:"active_unit"`
	Phase        domain.Phase           `json:"phase"`
	Attempts     int                    `json:"attempts"`
	TurnCount    int                    `json:"turn_count"`
	LastQuestion *domain.QuestionRecord `json:"last_question,omitempty"`
	History      []domain.Message       `json:"history"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// GetSession returns a snapshot of the caller's session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, err := h.Sessions.Snapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidUser) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Logger.Error("Failed to load session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	missing := h.Schema.Missing(sess.Profile)
	history := sess.History
	if history == nil {
		history = []domain.Message{}
	}
	JSON(w, http.StatusOK, sessionView{
		ID:           sess.ID,
		UserID:       sess.UserID,
		Profile:      sess.Profile.View().Map(),
		MissingSlots: missing,
		Complete:     len(missing) == 0,
		ActiveUnit:   sess.ActiveUnit,
		Phase:        sess.Profiling.Phase,
		Attempts:     sess.Profiling.Attempts,
		TurnCount:    sess.TurnCount,
		LastQuestion: sess.LastQuestion,
		History:      history,
		UpdatedAt:    sess.UpdatedAt,
	})
}

// ResetSession discards the caller's session and persisted snapshot.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.Sessions.Reset(r.Context(), userID); err != nil {
		h.Logger.Error("Failed to reset session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	h.Logger.Info("Session reset", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

type slotView struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Required    bool     `json:"required"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	Question    string   `json:"question"`
	Values      []string `json:"values,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// GetSchema describes the profile slots in question order.
func (h *Handler) GetSchema(w http.ResponseWriter, _ *http.Request) {
	slots := make([]slotView, 0, len(h.Schema.Slots))
	for _, sl := range h.Schema.Slots {
		d := sl.Descriptor()
		slots = append(slots, slotView{
			Name:        d.Name,
			Kind:        string(d.Kind),
			Required:    sl.Required,
			Group:       sl.Group,
			Description: d.Description,
			Question:    d.Question,
			Values:      d.Values,
			Min:         d.Min,
			Max:         d.Max,
		})
	}
	JSON(w, http.StatusOK, map[string]any{
		"version":  h.Schema.Version,
		"required": h.Schema.Required(),
		"slots":    slots,
	})
}

// Health reports process and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"sessions": h.Sessions.Len(),
	}
	if h.Repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Repo.Ping(ctx); err != nil {
			h.Logger.Warn("Database health check failed", "error", err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			JSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	JSON(w, http.StatusOK, status)
}
