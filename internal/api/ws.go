package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/advisor/internal/identity"
	"github.com/ashureev/advisor/internal/orchestrator"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is the envelope for both directions of /ws/chat.
type wsMessage struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content,omitempty"`
	Response *orchestrator.Response `json:"response,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// ConnRegistry tracks open chat sockets per user so they can be closed when
// the user's session is evicted.
type ConnRegistry struct {
	mu     sync.Mutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds conn for userID.
func (c *ConnRegistry) Register(userID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[userID]; !ok {
		c.active[userID] = make(map[*websocket.Conn]struct{})
	}
	c.active[userID][conn] = struct{}{}
}

// Unregister removes conn for userID.
func (c *ConnRegistry) Unregister(userID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active[userID], conn)
	if len(c.active[userID]) == 0 {
		delete(c.active, userID)
	}
}

// Count returns the number of open sockets for userID.
func (c *ConnRegistry) Count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active[userID])
}

// Close closes every socket of userID and returns how many were closed.
func (c *ConnRegistry) Close(userID string) int {
	c.mu.Lock()
	conns := c.active[userID]
	delete(c.active, userID)
	c.mu.Unlock()

	for conn := range conns {
		if err := conn.Close(websocket.StatusGoingAway, "session expired"); err != nil {
			slog.Debug("Failed to close websocket", "user_id", userID, "error", err)
		}
	}
	return len(conns)
}

// ServeWS upgrades to a WebSocket and runs one turn per inbound message.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.Logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			h.Logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(maxBodyBytes)

	h.Conns.Register(userID, ws)
	defer h.Conns.Unregister(userID, ws)
	h.Logger.Info("Chat socket opened", "user_id", userID, "ip", identity.IPFromRequest(r))

	ctx := orchestrator.WithChannel(r.Context(), "ws")
	for {
		var in wsMessage
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.Logger.Debug("Chat socket read failed", "user_id", userID, "error", err)
			}
			return
		}

		out := h.handleWSMessage(ctx, userID, in)
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(writeCtx, ws, out)
		cancel()
		if err != nil {
			h.Logger.Debug("Chat socket write failed", "user_id", userID, "error", err)
			return
		}
	}
}

func (h *Handler) handleWSMessage(ctx context.Context, userID string, in wsMessage) wsMessage {
	switch in.Type {
	case "ping":
		return wsMessage{Type: "pong"}
	case "message":
	default:
		return wsMessage{Type: "error", Error: "unknown message type"}
	}

	if h.Limiter != nil && !h.Limiter.Allow(userID) {
		return wsMessage{Type: "error", Error: "rate limit exceeded"}
	}
	resp, err := h.Router.HandleMessage(ctx, userID, in.Content)
	if errors.Is(err, orchestrator.ErrEmptyMessage) {
		return wsMessage{Type: "error", Error: "message is required"}
	}
	if err != nil {
		h.Logger.Error("Chat turn failed", "user_id", userID, "error", err)
		return wsMessage{Type: "error", Error: "failed to handle message"}
	}
	return wsMessage{Type: "reply", Response: resp}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.AllowedOrigin == "" || h.AllowedOrigin == "*" || origin == h.AllowedOrigin {
		return true
	}
	h.Logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.AllowedOrigin)
	return false
}
