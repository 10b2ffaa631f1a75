// Package orchestrator is the turn boundary of the advisor. HandleMessage checks
// the user's session out, routes the message to the slot-filling engine or a
// processing unit, and commits the turn atomically: a turn that fails commits
// nothing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/session"
	"github.com/ashureev/advisor/internal/slotfill"
	"github.com/ashureev/advisor/internal/transcript"
)

// Defaults for Config.
const (
	DefaultHistoryLimit  = 50
	DefaultMinConfidence = 0.3
)

var (
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
	errNoUnit       = errors.New("no processing unit registered")
)

// Status classifies a response for the caller.
type Status string

const (
	StatusOK        Status = "ok"
	StatusBusy      Status = "busy"
	StatusEscalated Status = "escalated"
	StatusError     Status = "error"
)

const (
	busyText        = "I'm still working on your previous message. Please send this one again in a moment."
	sorryText       = "Sorry, something went wrong on my side while handling that. Nothing was changed, so please try again."
	clarifyText     = "I'm not sure what you'd like to do. I can go over your current portfolio, update your investment profile, or suggest how to invest. What would you like?"
	needProfileText = "Before I can make a recommendation I need to know a little more about you. "
)

// Response is the caller-facing result of one turn.
type Response struct {
	Text            string         `json:"text"`
	Payload         map[string]any `json:"payload,omitempty"`
	SessionComplete bool           `json:"session_complete"`
	Intent          domain.Intent  `json:"intent,omitempty"`
	Status          Status         `json:"status"`
	MissingSlots    []string       `json:"missing_slots,omitempty"`
	Escalated       bool           `json:"escalated,omitempty"`
	Retryable       bool           `json:"retryable,omitempty"`
}

// Config tunes the router.
type Config struct {
	// HistoryWindow is how many recent messages the classifier and units see.
	HistoryWindow int
	// HistoryLimit caps the stored history.
	HistoryLimit int
	// MinConfidence demotes low-confidence classifications to unrecognized.
	MinConfidence float64
	// Prerequisites lists slots an intent needs before its unit can run. A
	// request with any of them missing starts profiling instead.
	Prerequisites map[domain.Intent][]string
}

// Router routes messages. It is safe for concurrent use; all per-user
// serialization happens in the session store.
type Router struct {
	sessions   *session.Store
	engine     *slotfill.Engine
	classifier capability.Classifier
	units      map[domain.Intent]capability.Unit
	portfolios capability.PortfolioSource
	handlers   map[domain.Intent]Handler
	transcript transcript.Logger
	cfg        Config
	logger     *slog.Logger
}

// Deps are the collaborators of a Router.
type Deps struct {
	Sessions   *session.Store
	Engine     *slotfill.Engine
	Classifier capability.Classifier
	Units      map[domain.Intent]capability.Unit
	Portfolios capability.PortfolioSource
	Transcript transcript.Logger
	Logger     *slog.Logger
}

// New creates a router with the default handler for every intent.
func New(d Deps, cfg Config) *Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Transcript == nil {
		d.Transcript = transcript.Nop{}
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = slotfill.DefaultHistoryWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	r := &Router{
		sessions:   d.Sessions,
		engine:     d.Engine,
		classifier: d.Classifier,
		units:      d.Units,
		portfolios: d.Portfolios,
		transcript: d.Transcript,
		cfg:        cfg,
		logger:     d.Logger,
	}
	r.handlers = map[domain.Intent]Handler{
		domain.IntentProfileUpdate:  r.handleProfile,
		domain.IntentPortfolioQuery: r.handleUnit,
		domain.IntentRecommendation: r.handleUnit,
		domain.IntentUnrecognized:   r.handleUnrecognized,
	}
	return r
}

// Register installs h for intent, replacing any previous handler.
func (r *Router) Register(intent domain.Intent, h Handler) {
	r.handlers[intent] = h
}

type channelKey struct{}

// WithChannel tags ctx with the transport a message arrived on, for the
// transcript.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFrom(ctx context.Context) string {
	if c, ok := ctx.Value(channelKey{}).(string); ok {
		return c
	}
	return "api"
}

// HandleMessage runs one conversational turn for userID. Errors are returned
// only for invalid input or when the session cannot be checked out; every
// other failure becomes a conversational response.
func (r *Router) HandleMessage(ctx context.Context, userID, text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	start := time.Now()

	h, err := r.sessions.Acquire(ctx, userID)
	if errors.Is(err, session.ErrSessionBusy) {
		r.logger.Info("turn rejected, session busy", "user_id", userID)
		return &Response{Text: busyText, Status: StatusBusy, Retryable: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	sess := h.Session()
	// Reported on failure, since a failed turn commits nothing.
	missingBefore := r.engine.Schema().Missing(sess.Profile)
	turn := &Turn{UserID: userID, Text: text, Session: sess}
	turn.Intent, turn.Bypassed = r.route(ctx, sess, text)
	r.record(ctx, sess, transcript.Inbound, "user_message", text, map[string]any{
		"intent":   turn.Intent,
		"bypassed": turn.Bypassed,
		"lease_id": h.ID(),
	})

	handler, ok := r.handlers[turn.Intent]
	if !ok {
		handler = r.handlers[domain.IntentUnrecognized]
	}
	reply, err := handler(ctx, turn)
	if err != nil {
		if rerr := r.sessions.Release(h, nil); rerr != nil {
			r.logger.Warn("release session", "user_id", userID, "error", rerr)
		}
		r.logger.Error("turn failed",
			"user_id", userID,
			"lease_id", h.ID(),
			"intent", turn.Intent,
			"error", err,
			"latency_ms", time.Since(start).Milliseconds())
		resp := &Response{
			Text:         sorryText,
			Intent:       turn.Intent,
			Status:       StatusError,
			Retryable:    true,
			MissingSlots: missingBefore,
		}
		r.record(ctx, sess, transcript.Outbound, "assistant_error", resp.Text, map[string]any{"error": err.Error()})
		return resp, nil
	}

	resp := &Response{
		Text:    reply.Text,
		Payload: reply.Payload,
		Intent:  turn.Intent,
		Status:  StatusOK,
	}
	if out := reply.Outcome; out != nil {
		resp.Escalated = out.Escalated
		if out.Escalated {
			resp.Status = StatusEscalated
		}
	}

	if reply.Commit {
		sess.RecordMessage(domain.RoleUser, text, r.cfg.HistoryLimit)
		sess.RecordMessage(domain.RoleAssistant, reply.Text, r.cfg.HistoryLimit)
		sess.TurnCount++
		sess.UpdatedAt = time.Now()
	}
	resp.SessionComplete = r.engine.Schema().Complete(sess.Profile)
	resp.MissingSlots = r.engine.Schema().Missing(sess.Profile)

	var commit *domain.Session
	if reply.Commit {
		commit = sess
	}
	if err := r.sessions.Release(h, commit); err != nil {
		// The in-memory commit stands; only the durable copy lags.
		r.logger.Warn("persist session", "user_id", userID, "lease_id", h.ID(), "error", err)
	}

	r.record(ctx, sess, transcript.Outbound, "assistant_message", resp.Text, map[string]any{
		"intent": resp.Intent,
		"status": resp.Status,
	})
	r.logger.Info("turn handled",
		"user_id", userID,
		"lease_id", h.ID(),
		"intent", turn.Intent,
		"bypassed", turn.Bypassed,
		"status", resp.Status,
		"turn", sess.TurnCount,
		"latency_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// route decides the intent for text. An unfinished profiling attempt owns the
// session's turns and skips classification.
func (r *Router) route(ctx context.Context, sess *domain.Session, text string) (domain.Intent, bool) {
	if sess.ActiveUnit == domain.UnitProfiling && !r.engine.Schema().Complete(sess.Profile) {
		return domain.IntentProfileUpdate, true
	}
	if r.classifier == nil {
		return domain.IntentUnrecognized, false
	}
	c, err := r.classifier.Classify(ctx, capability.ClassifyRequest{
		Text:    text,
		History: sess.RecentHistory(r.cfg.HistoryWindow),
	})
	if err != nil {
		r.logger.Warn("classifier unavailable, treating as unrecognized", "user_id", sess.UserID, "error", err)
		return domain.IntentUnrecognized, false
	}
	intent := domain.ParseIntent(string(c.Intent))
	if intent != domain.IntentUnrecognized && c.Confidence < r.cfg.MinConfidence {
		r.logger.Debug("low confidence classification",
			"user_id", sess.UserID,
			"intent", intent,
			"confidence", c.Confidence)
		return domain.IntentUnrecognized, false
	}
	return intent, false
}

func (r *Router) record(ctx context.Context, sess *domain.Session, direction, eventType, text string, meta map[string]any) {
	r.transcript.Log(transcript.Event{
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		Channel:    channelFrom(ctx),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: text,
		Meta:       meta,
	})
}
