package slotfill

import (
	"context"
	"fmt"
	"testing"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/capability/rules"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	res capability.ExtractResult
	err error
}

func (s stubExtractor) Extract(context.Context, capability.ExtractRequest) (capability.ExtractResult, error) {
	return s.res, s.err
}

type failingQuestions struct{}

func (failingQuestions) Question(context.Context, capability.QuestionRequest) (string, error) {
	return "", fmt.Errorf("%w: model offline", capability.ErrUnavailable)
}

func newEngine(t *testing.T, budget int, ex capability.Extractor, q capability.QuestionGenerator) *Engine {
	t.Helper()
	s := schema.Default()
	if ex == nil {
		ex = rules.NewExtractor(s)
	}
	if q == nil {
		q = rules.NewQuestions(s)
	}
	return New(s, ex, q, Config{TurnBudget: budget}, nil)
}

func step(t *testing.T, e *Engine, sess *domain.Session, text string, update bool) *Outcome {
	t.Helper()
	out, err := e.Step(context.Background(), sess, Input{Text: text, Update: update})
	require.NoError(t, err)
	return out
}

func TestOpeningStatementFillsSeveralSlots(t *testing.T) {
	e := newEngine(t, 0, nil, nil)
	sess := domain.NewSession("alice")

	out := step(t, e, sess, "I'm conservative and want to retire in 30 years", true)

	assert.Equal(t, "conservative", sess.Profile["risk_tolerance"].Value.Text)
	assert.Equal(t, domain.SlotSetValid, sess.Profile["risk_tolerance"].State)
	assert.Equal(t, "long", sess.Profile["investment_period"].Value.Text)
	require.NotNil(t, out.Question)
	assert.Equal(t, "loss_comfort", out.Question.Slot)
	assert.Equal(t, "loss_comfort", sess.LastQuestion.Slot)
	assert.Equal(t, "loss_comfort", sess.MissingSlots[0])
	assert.Equal(t, domain.PhaseAwaitingAnswer, sess.Profiling.Phase)
	assert.Equal(t, domain.UnitProfiling, sess.ActiveUnit)
	assert.False(t, out.Complete)
}

func TestInvalidAnswerIsRejectedWithReason(t *testing.T) {
	e := newEngine(t, 0, nil, nil)
	sess := domain.NewSession("alice")
	first := step(t, e, sess, "I'm conservative and want to retire in 30 years", true)

	out := step(t, e, sess, "15", false)
	assert.Equal(t, domain.SlotUnset, sess.Profile.State("loss_comfort"))
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "that doesn't look like a number between 1 and 10", out.Failures[0].Reason)
	assert.Contains(t, out.Text, "that doesn't look like a number between 1 and 10")
	assert.NotEqual(t, first.Question.Text, out.Question.Text)
	assert.Equal(t, "loss_comfort", out.Question.Slot)
	assert.Equal(t, out.Failures[0].Reason, sess.Profiling.LastFailure)

	out = step(t, e, sess, "8", false)
	assert.Empty(t, out.Failures)
	assert.Equal(t, int64(8), sess.Profile["loss_comfort"].Value.Int)
	assert.Equal(t, "annual_income", out.Question.Slot)
	assert.Empty(t, sess.Profiling.LastFailure)
}

func TestValidSlotIsNotSilentlyOverwritten(t *testing.T) {
	s := schema.Default()
	ex := stubExtractor{res: capability.ExtractResult{Candidates: []capability.Candidate{{Slot: "risk_tolerance", Raw: "aggressive"}}}}
	e := New(s, ex, rules.NewQuestions(s), Config{}, nil)

	sess := domain.NewSession("alice")
	sess.ActiveUnit = domain.UnitProfiling
	sess.Profiling.Phase = domain.PhaseAwaitingAnswer
	sess.Profile["risk_tolerance"] = domain.SlotValue{
		State: domain.SlotSetValid,
		Value: domain.Value{Kind: domain.KindEnum, Text: "conservative"},
	}

	out := step(t, e, sess, "aggressive", false)
	assert.Equal(t, "conservative", sess.Profile["risk_tolerance"].Value.Text)
	assert.Empty(t, out.Updated)
}

func TestCorrectionOverwritesValidSlot(t *testing.T) {
	e := newEngine(t, 0, nil, nil)
	sess := domain.NewSession("alice")
	step(t, e, sess, "I'm conservative and want to retire in 30 years", true)

	out := step(t, e, sess, "Actually I'm more aggressive", false)
	assert.Equal(t, "aggressive", sess.Profile["risk_tolerance"].Value.Text)
	assert.Contains(t, out.Updated, "risk_tolerance")
}

func TestRejectedCorrectionKeepsPriorValue(t *testing.T) {
	s := schema.Default()
	ex := stubExtractor{res: capability.ExtractResult{
		Candidates: []capability.Candidate{{Slot: "loss_comfort", Raw: "42"}},
		Correction: true,
	}}
	e := New(s, ex, rules.NewQuestions(s), Config{}, nil)

	sess := domain.NewSession("alice")
	sess.Profile["loss_comfort"] = domain.SlotValue{State: domain.SlotSetValid, Value: domain.Value{Kind: domain.KindInteger, Int: 6}}

	out := step(t, e, sess, "change it to 42", false)
	assert.Equal(t, int64(6), sess.Profile["loss_comfort"].Value.Int)
	assert.Contains(t, out.Text, "I kept your previous loss comfort")
}

func TestProfileCompletesInOneTurnPerRequiredSlot(t *testing.T) {
	e := newEngine(t, 0, nil, nil)
	sess := domain.NewSession("alice")
	answers := map[string]string{
		"risk_tolerance":        "moderate",
		"loss_comfort":          "7",
		"investment_period":     "10 years",
		"annual_income":         "85k",
		"has_emergency_fund":    "yes",
		"investment_experience": "beginner",
		"investment_goals":      "retirement and travel",
	}

	out := step(t, e, sess, "I'd like to set up my profile", true)
	require.Equal(t, "risk_tolerance", out.Question.Slot)

	required := len(e.Schema().Required())
	missing := len(out.Missing)
	turns := 0
	for !out.Complete {
		turns++
		require.LessOrEqual(t, turns, required, "profile did not complete within %d answers", required)
		answer, ok := answers[out.Question.Slot]
		require.True(t, ok, "unexpected question for %s", out.Question.Slot)
		out = step(t, e, sess, answer, false)
		assert.Less(t, len(out.Missing), missing)
		missing = len(out.Missing)
	}

	assert.Equal(t, required, turns)
	assert.Equal(t, domain.PhaseComplete, sess.Profiling.Phase)
	assert.Equal(t, domain.UnitNone, sess.ActiveUnit)
	assert.Nil(t, sess.LastQuestion)
	assert.Empty(t, sess.MissingSlots)
	assert.Equal(t, "medium", out.Profile.Text("investment_period"))
	assert.Equal(t, []string{"retirement", "travel"}, out.Profile["investment_goals"].List)
	assert.Contains(t, out.Text, "profile is complete")

	// A later explicit update starts a new attempt and corrects the value.
	out = step(t, e, sess, "Actually my income is 120k", true)
	assert.True(t, out.Complete)
	assert.Equal(t, float64(120000), sess.Profile["annual_income"].Value.Number)
	assert.Contains(t, out.Text, "up to date")
	assert.Equal(t, 2, sess.Profiling.Attempts)
}

func TestRejectedLaterSlotStillAsksFirstMissing(t *testing.T) {
	s := schema.Default()
	ex := stubExtractor{res: capability.ExtractResult{Candidates: []capability.Candidate{{Slot: "loss_comfort", Raw: "15"}}}}
	e := New(s, ex, rules.NewQuestions(s), Config{}, nil)
	sess := domain.NewSession("alice")

	out := step(t, e, sess, "my loss comfort is around 15 out of 10 honestly speaking", true)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "loss_comfort", out.Failures[0].Slot)
	require.NotNil(t, out.Question)
	assert.Equal(t, out.Missing[0], out.Question.Slot)
	assert.Equal(t, "risk_tolerance", out.Question.Slot)
	assert.Empty(t, out.Question.Reason)
	assert.Contains(t, out.Text, "I couldn't use that for your loss comfort because that doesn't look like a number between 1 and 10")
}

func completeProfile(t *testing.T, e *Engine, sess *domain.Session) {
	t.Helper()
	answers := map[string]string{
		"risk_tolerance":        "conservative",
		"loss_comfort":          "4",
		"investment_period":     "30 years",
		"annual_income":         "85k",
		"has_emergency_fund":    "yes",
		"investment_experience": "beginner",
		"investment_goals":      "retirement",
	}
	for slot, raw := range answers {
		sl, ok := e.Schema().Slot(slot)
		require.True(t, ok)
		v, err := sl.Coerce(raw)
		require.NoError(t, err)
		sess.Profile[slot] = domain.SlotValue{State: domain.SlotSetValid, Value: v, Raw: raw}
	}
	require.True(t, e.Schema().Complete(sess.Profile))
}

func TestResumedProfilingDoesNotOverwriteValidSlots(t *testing.T) {
	const budget = 2
	s := schema.Default()
	e := New(s, rules.NewExtractor(s), rules.NewQuestions(s), Config{TurnBudget: budget}, nil)
	sess := domain.NewSession("alice")

	step(t, e, sess, "I'm conservative", true)
	out := step(t, e, sess, "purple", false)
	require.True(t, out.Escalated)

	e.extractor = stubExtractor{res: capability.ExtractResult{Candidates: []capability.Candidate{{Slot: "risk_tolerance", Raw: "aggressive"}}}}
	out = step(t, e, sess, "my friend is aggressive but I want to resume my profile", true)
	assert.Equal(t, "conservative", sess.Profile["risk_tolerance"].Value.Text)
	assert.Empty(t, out.Updated)
}

func TestUpdateOfCompleteProfileIsCorrection(t *testing.T) {
	s := schema.Default()
	ex := stubExtractor{res: capability.ExtractResult{Candidates: []capability.Candidate{{Slot: "annual_income", Raw: "120k"}}}}
	e := New(s, ex, rules.NewQuestions(s), Config{}, nil)
	sess := domain.NewSession("alice")
	completeProfile(t, e, sess)

	out := step(t, e, sess, "my income is 120k now", true)
	assert.True(t, out.Complete)
	assert.Equal(t, []string{"annual_income"}, out.Updated)
	assert.Equal(t, float64(120000), sess.Profile["annual_income"].Value.Number)
}

func TestEscalatesExactlyAtBudget(t *testing.T) {
	const budget = 3
	e := newEngine(t, budget, nil, nil)
	sess := domain.NewSession("alice")

	out := step(t, e, sess, "hello", true)
	assert.False(t, out.Escalated)
	out = step(t, e, sess, "purple", false)
	assert.False(t, out.Escalated)
	assert.Equal(t, domain.PhaseAwaitingAnswer, sess.Profiling.Phase)

	out = step(t, e, sess, "purple", false)
	assert.True(t, out.Escalated)
	assert.Equal(t, budget, sess.Profiling.Turns)
	assert.Equal(t, domain.PhaseEscalated, sess.Profiling.Phase)
	assert.Equal(t, domain.UnitNone, sess.ActiveUnit)
	assert.Nil(t, sess.LastQuestion)
	assert.Contains(t, out.Text, "human advisor")

	// The session stays usable and a new attempt starts from scratch.
	out = step(t, e, sess, "I'm moderate", true)
	assert.False(t, out.Escalated)
	assert.Equal(t, 1, sess.Profiling.Turns)
	assert.Equal(t, 2, sess.Profiling.Attempts)
	assert.Equal(t, "moderate", sess.Profile["risk_tolerance"].Value.Text)
}

func TestExtractorUnavailableRepeatsQuestion(t *testing.T) {
	s := schema.Default()
	down := stubExtractor{err: fmt.Errorf("%w: timeout", capability.ErrUnavailable)}
	e := New(s, rules.NewExtractor(s), rules.NewQuestions(s), Config{}, nil)

	sess := domain.NewSession("alice")
	first := step(t, e, sess, "I'm conservative", true)
	before := sess.Profile.Clone()

	e.extractor = down
	out := step(t, e, sess, "I think around 8 out of ten honestly", false)
	assert.Equal(t, first.Question.Text, out.Question.Text)
	assert.Equal(t, first.Question.Slot, sess.LastQuestion.Slot)
	assert.Equal(t, before, sess.Profile)
	assert.Empty(t, out.Failures)
}

func TestQuestionFallbackUsesTemplate(t *testing.T) {
	e := newEngine(t, 0, nil, failingQuestions{})
	sess := domain.NewSession("alice")

	out := step(t, e, sess, "I'm conservative", true)
	sl, _ := e.Schema().Slot("loss_comfort")
	assert.Equal(t, "Got it. "+sl.Question, out.Text)

	out = step(t, e, sess, "15", false)
	assert.Contains(t, out.Text, "that doesn't look like a number between 1 and 10")
	assert.NotEqual(t, sl.Question, out.Question.Text)
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]domain.Phase{
		{domain.PhaseIdle, domain.PhaseExtracting},
		{domain.PhaseAwaitingAnswer, domain.PhaseExtracting},
		{domain.PhaseComplete, domain.PhaseExtracting},
		{domain.PhaseEscalated, domain.PhaseExtracting},
		{domain.PhaseExtracting, domain.PhaseValidating},
		{domain.PhaseValidating, domain.PhaseComplete},
		{domain.PhaseValidating, domain.PhaseAwaitingAnswer},
		{domain.PhaseValidating, domain.PhaseEscalated},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	ps := domain.ProfilingState{Phase: domain.PhaseAwaitingAnswer}
	err := transition(&ps, domain.PhaseComplete)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, domain.PhaseAwaitingAnswer, ps.Phase)

	assert.False(t, CanTransition(domain.PhaseExtracting, domain.PhaseComplete))
	assert.False(t, CanTransition(domain.PhaseIdle, domain.PhaseValidating))
}
