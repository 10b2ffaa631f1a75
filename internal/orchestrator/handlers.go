package orchestrator

import (
	"context"
	"fmt"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/slotfill"
)

// Turn is the working state of one routed message. Session is the turn's
// private clone and may be mutated freely.
type Turn struct {
	UserID   string
	Text     string
	Intent   domain.Intent
	Bypassed bool
	Session  *domain.Session
}

// Reply is a handler result. The session clone is committed only when Commit
// is set.
type Reply struct {
	Text    string
	Payload map[string]any
	Commit  bool
	Outcome *slotfill.Outcome
}

// Handler processes a routed turn. An error discards the turn and is reported
// to the user as a retryable apology.
type Handler func(ctx context.Context, t *Turn) (*Reply, error)

func (r *Router) handleProfile(ctx context.Context, t *Turn) (*Reply, error) {
	out, err := r.engine.Step(ctx, t.Session, slotfill.Input{Text: t.Text, Update: !t.Bypassed})
	if err != nil {
		return nil, fmt.Errorf("profile step: %w", err)
	}
	return profileReply(out), nil
}

func (r *Router) handleUnit(ctx context.Context, t *Turn) (*Reply, error) {
	if missing := r.missingPrerequisites(t); len(missing) > 0 {
		out, err := r.engine.Step(ctx, t.Session, slotfill.Input{Text: t.Text})
		if err != nil {
			return nil, fmt.Errorf("start profiling: %w", err)
		}
		reply := profileReply(out)
		if !out.Complete {
			reply.Text = needProfileText + reply.Text
			return reply, nil
		}
		// The message itself completed the profile; answer it right away.
		unitReply, err := r.runUnit(ctx, t)
		if err != nil {
			return nil, err
		}
		unitReply.Text = reply.Text + " " + unitReply.Text
		unitReply.Outcome = out
		return unitReply, nil
	}
	return r.runUnit(ctx, t)
}

func (r *Router) runUnit(ctx context.Context, t *Turn) (*Reply, error) {
	unit, ok := r.units[t.Intent]
	if !ok {
		return nil, fmt.Errorf("%w for %s", errNoUnit, t.Intent)
	}

	var portfolio *domain.Portfolio
	if r.portfolios != nil {
		p, err := r.portfolios.Portfolio(ctx, t.UserID)
		if err != nil {
			return nil, fmt.Errorf("load portfolio: %w", err)
		}
		portfolio = p
	}

	res, err := unit.Process(ctx, capability.UnitRequest{
		UserID:    t.UserID,
		Intent:    t.Intent,
		Profile:   t.Session.Profile.View(),
		Portfolio: portfolio,
		Query:     t.Text,
		History:   t.Session.RecentHistory(r.cfg.HistoryWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", t.Intent, err)
	}
	return &Reply{Text: res.Text, Payload: res.Payload, Commit: true}, nil
}

func (r *Router) handleUnrecognized(context.Context, *Turn) (*Reply, error) {
	return &Reply{Text: clarifyText}, nil
}

func (r *Router) missingPrerequisites(t *Turn) []string {
	var missing []string
	for _, slot := range r.cfg.Prerequisites[t.Intent] {
		if !t.Session.Profile.IsValid(slot) {
			missing = append(missing, slot)
		}
	}
	return missing
}

func profileReply(out *slotfill.Outcome) *Reply {
	reply := &Reply{Text: out.Text, Commit: true, Outcome: out}
	payload := map[string]any{}
	if out.Complete {
		payload["profile"] = out.Profile.Map()
	}
	if len(out.Updated) > 0 {
		payload["updated"] = out.Updated
	}
	if len(out.Failures) > 0 {
		payload["failures"] = out.Failures
	}
	if out.Question != nil {
		payload["question_slot"] = out.Question.Slot
	}
	if len(payload) > 0 {
		reply.Payload = payload
	}
	return reply
}
