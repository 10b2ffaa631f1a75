package slotfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
)

const (
	// DefaultTurnBudget is the number of turns one profiling attempt may take.
	DefaultTurnBudget = 15
	// DefaultShortReplyWords is the longest message treated as a direct
	// answer to the last question.
	DefaultShortReplyWords = 6
	// DefaultHistoryWindow is how many messages capabilities see.
	DefaultHistoryWindow = 10
)

// Config tunes the engine.
type Config struct {
	TurnBudget      int
	ShortReplyWords int
	HistoryWindow   int
}

// Engine runs the slot-filling state machine on a session clone.
type Engine struct {
	schema    *schema.Schema
	extractor capability.Extractor
	questions capability.QuestionGenerator
	cfg       Config
	logger    *slog.Logger
}

// New creates an engine. Zero config fields take their defaults.
func New(s *schema.Schema, ex capability.Extractor, q capability.QuestionGenerator, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.ShortReplyWords <= 0 {
		cfg.ShortReplyWords = DefaultShortReplyWords
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &Engine{schema: s, extractor: ex, questions: q, cfg: cfg, logger: logger}
}

// Schema returns the engine's profile schema.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// Input is one user message routed to profiling.
type Input struct {
	Text string
	// Update is set when the message was routed here as an explicit profile
	// update; it counts as a correction only when the profile was complete.
	Update bool
}

// Failure is a candidate that failed validation.
type Failure struct {
	Slot   string `json:"slot"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// Outcome describes the result of one profiling turn.
type Outcome struct {
	Text      string
	Complete  bool
	Escalated bool
	// Profile is the finalized profile when Complete is set.
	Profile  domain.ProfileView
	Updated  []string
	Failures []Failure
	Missing  []string
	Question *domain.QuestionRecord
}

// Step processes one message against sess, mutating it in place. sess must be
// a private clone owned by the calling turn.
func (e *Engine) Step(ctx context.Context, sess *domain.Session, in Input) (*Outcome, error) {
	ps := &sess.Profiling
	if sess.Profile == nil {
		sess.Profile = domain.Profile{}
	}
	if sess.ActiveUnit != domain.UnitProfiling || startsAttempt(ps.Phase) {
		ps.Turns = 0
		ps.Attempts++
		ps.LastFailure = ""
		if ps.Phase == "" {
			ps.Phase = domain.PhaseIdle
		}
	}
	sess.ActiveUnit = domain.UnitProfiling

	if err := transition(ps, domain.PhaseExtracting); err != nil {
		return nil, err
	}
	ps.Turns++

	wasComplete := e.schema.Complete(sess.Profile)
	correction := e.schema.IsCorrection(in.Text) || (in.Update && wasComplete)
	candidates, extractorDown, flagged := e.extract(ctx, sess, in.Text, correction)
	correction = correction || flagged

	if err := transition(ps, domain.PhaseValidating); err != nil {
		return nil, err
	}
	out := &Outcome{}
	e.validate(sess, candidates, correction, out)

	out.Missing = e.schema.Missing(sess.Profile)
	sess.MissingSlots = slices.Clone(out.Missing)
	ps.LastFailure = ""
	if len(out.Failures) > 0 {
		ps.LastFailure = out.Failures[0].Reason
	}

	switch {
	case len(out.Missing) == 0:
		if err := transition(ps, domain.PhaseComplete); err != nil {
			return nil, err
		}
		sess.ActiveUnit = domain.UnitNone
		sess.LastQuestion = nil
		out.Complete = true
		out.Profile = sess.Profile.View()
		out.Text = e.summary(sess.Profile, wasComplete)

	case ps.Turns >= e.cfg.TurnBudget:
		if err := transition(ps, domain.PhaseEscalated); err != nil {
			return nil, err
		}
		sess.ActiveUnit = domain.UnitNone
		sess.LastQuestion = nil
		out.Escalated = true
		out.Text = "I'm having trouble completing your profile, so I'll hand this over to a human advisor who can help. " +
			"You can pick the profile up again with me at any time."
		e.logger.Info("profiling escalated",
			"user_id", sess.UserID,
			"turns", ps.Turns,
			"attempt", ps.Attempts,
			"missing", len(out.Missing))

	default:
		if err := transition(ps, domain.PhaseAwaitingAnswer); err != nil {
			return nil, err
		}
		q := e.nextQuestion(ctx, sess, out, extractorDown)
		sess.LastQuestion = q
		out.Question = q
		out.Text = e.preamble(sess.Profile, out, q.Slot) + q.Text
	}
	return out, nil
}

// extract calls the extractor for the unfilled slots (all slots on a
// correction). A short reply to the last question is focused on that slot and,
// when the extractor offers nothing at all, parsed directly as its answer.
func (e *Engine) extract(ctx context.Context, sess *domain.Session, text string, correction bool) ([]capability.Candidate, bool, bool) {
	targets := e.schema.Unfilled(sess.Profile)
	if correction {
		targets = e.schema.Names()
	}
	if len(targets) == 0 {
		return nil, false, false
	}

	focus, lastQuestion := "", ""
	if q := sess.LastQuestion; q != nil {
		lastQuestion = q.Text
		if len(strings.Fields(text)) <= e.cfg.ShortReplyWords && slices.Contains(targets, q.Slot) {
			focus = q.Slot
		}
	}

	res, err := e.extractor.Extract(ctx, capability.ExtractRequest{
		Text:         text,
		Targets:      e.schema.Descriptors(targets),
		Focus:        focus,
		LastQuestion: lastQuestion,
		History:      sess.RecentHistory(e.cfg.HistoryWindow),
	})
	if err != nil {
		e.logger.Warn("extractor unavailable, repeating question", "user_id", sess.UserID, "error", err)
		return nil, true, false
	}

	candidates := res.Candidates
	if focus != "" && len(candidates) == 0 {
		candidates = append(candidates, capability.Candidate{Slot: focus, Raw: strings.TrimSpace(text)})
	}
	return candidates, false, res.Correction
}

// validate stages each candidate as unvalidated, applies the slot predicate
// and either promotes it to valid or reverts it.
func (e *Engine) validate(sess *domain.Session, candidates []capability.Candidate, correction bool, out *Outcome) {
	seen := make(map[string]bool, len(candidates))
	now := time.Now()
	for _, c := range candidates {
		sl, ok := e.schema.Slot(c.Slot)
		if !ok || seen[c.Slot] {
			continue
		}
		seen[c.Slot] = true

		prior, existed := sess.Profile[c.Slot]
		if prior.State == domain.SlotSetValid && !correction {
			continue
		}

		sess.Profile[c.Slot] = domain.SlotValue{State: domain.SlotSetUnvalidated, Raw: c.Raw, UpdatedAt: now}
		v, err := sl.Coerce(c.Raw)
		if err != nil {
			if existed {
				sess.Profile[c.Slot] = prior
			} else {
				delete(sess.Profile, c.Slot)
			}
			var verr *schema.ValidationError
			reason := err.Error()
			if errors.As(err, &verr) {
				reason = verr.Reason
			}
			out.Failures = append(out.Failures, Failure{Slot: c.Slot, Raw: c.Raw, Reason: reason})
			continue
		}

		sess.Profile[c.Slot] = domain.SlotValue{State: domain.SlotSetValid, Value: v, Raw: c.Raw, UpdatedAt: now}
		if prior.State != domain.SlotSetValid || !prior.Value.Equal(v) {
			out.Updated = append(out.Updated, c.Slot)
		}
	}
}

// nextQuestion asks about the first missing slot, carrying the validation
// reason when that slot's answer was just rejected. When the extractor was
// unavailable the pending question is repeated.
func (e *Engine) nextQuestion(ctx context.Context, sess *domain.Session, out *Outcome, extractorDown bool) *domain.QuestionRecord {
	prev := sess.LastQuestion
	if extractorDown && prev != nil && slices.Contains(out.Missing, prev.Slot) {
		q := *prev
		q.AskedAt = time.Now()
		return &q
	}

	slotName, reason := out.Missing[0], ""
	if i := slices.IndexFunc(out.Failures, func(f Failure) bool { return f.Slot == slotName }); i >= 0 {
		reason = out.Failures[i].Reason
	}
	sl, _ := e.schema.Slot(slotName)

	previous := ""
	if prev != nil && prev.Slot == slotName {
		previous = prev.Text
	}

	text, err := e.questions.Question(ctx, capability.QuestionRequest{
		Slot:     sl.Descriptor(),
		Reason:   reason,
		Previous: previous,
		History:  sess.RecentHistory(e.cfg.HistoryWindow),
	})
	if err != nil {
		e.logger.Warn("question generator unavailable, using template", "slot", slotName, "error", err)
		text = sl.Prompt(reason, previous)
	}
	text = strings.TrimSpace(text)
	if reason != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(reason)) {
		text = "Hmm, " + reason + ". " + text
	}
	if reason != "" && text == previous {
		text = sl.Prompt(reason, previous)
	}

	return &domain.QuestionRecord{Slot: slotName, Text: text, Reason: reason, AskedAt: time.Now()}
}

// preamble acknowledges what changed this turn and reports rejected values
// for slots other than the one asked about next.
func (e *Engine) preamble(p domain.Profile, out *Outcome, asking string) string {
	var b strings.Builder
	for _, f := range out.Failures {
		switch {
		case p.IsValid(f.Slot):
			fmt.Fprintf(&b, "I kept your previous %s because %s. ", label(f.Slot), f.Reason)
		case f.Slot != asking:
			fmt.Fprintf(&b, "I couldn't use that for your %s because %s. ", label(f.Slot), f.Reason)
		}
	}
	if len(out.Updated) > 0 && len(out.Failures) == 0 {
		b.WriteString("Got it. ")
	}
	return b.String()
}

func (e *Engine) summary(p domain.Profile, wasComplete bool) string {
	var parts []string
	for _, sl := range e.schema.Slots {
		if sv, ok := p[sl.Name]; ok && sv.State == domain.SlotSetValid {
			parts = append(parts, fmt.Sprintf("%s: %s", label(sl.Name), sv.Value.String()))
		}
	}
	lead := "Thanks, your investment profile is complete."
	if wasComplete {
		lead = "Thanks, your investment profile is up to date."
	}
	return lead + " " + strings.Join(parts, "; ") + "."
}

func label(slot string) string {
	return strings.ReplaceAll(slot, "_", " ")
}
