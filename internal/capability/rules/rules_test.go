package rules

import (
	"context"
	"testing"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(res capability.ExtractResult) map[string]string {
	out := make(map[string]string, len(res.Candidates))
	for _, c := range res.Candidates {
		out[c.Slot] = c.Raw
	}
	return out
}

func TestClassify(t *testing.T) {
	c := NewClassifier(schema.Default())

	tests := []struct {
		text string
		want domain.Intent
	}{
		{"I'm conservative and want to retire in 30 years", domain.IntentProfileUpdate},
		{"Actually, change my income to 90k", domain.IntentProfileUpdate},
		{"How is my portfolio doing?", domain.IntentPortfolioQuery},
		{"Show me the breakdown of my holdings", domain.IntentPortfolioQuery},
		{"What should I invest in?", domain.IntentRecommendation},
		{"Can you recommend a plan for my portfolio?", domain.IntentRecommendation},
		{"hello there", domain.IntentUnrecognized},
		{"what's the weather like?", domain.IntentUnrecognized},
		{"", domain.IntentUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(context.Background(), capability.ClassifyRequest{Text: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Intent)
			if tt.want == domain.IntentUnrecognized {
				assert.Zero(t, got.Confidence)
			} else {
				assert.GreaterOrEqual(t, got.Confidence, 0.5)
			}
		})
	}
}

func TestExtractOpeningStatement(t *testing.T) {
	s := schema.Default()
	e := NewExtractor(s)

	res, err := e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "I'm conservative and want to retire in 30 years",
		Targets: s.Descriptors(s.Names()),
	})
	require.NoError(t, err)
	got := candidates(res)
	assert.Equal(t, "conservative", got["risk_tolerance"])
	assert.Equal(t, "30 years", got["investment_period"])
	assert.Contains(t, got, "investment_goals")
	assert.NotContains(t, got, "loss_comfort")
	assert.NotContains(t, got, "annual_income")
	assert.False(t, res.Correction)
}

func TestExtractCuedNumbersPerClause(t *testing.T) {
	s := schema.Default()
	e := NewExtractor(s)

	res, err := e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "I earn about $85,000 a year, and I'd say 7 out of 10 on the comfort scale",
		Targets: s.Descriptors([]string{"annual_income", "loss_comfort", "has_emergency_fund"}),
	})
	require.NoError(t, err)
	got := candidates(res)
	require.Contains(t, got, "annual_income")
	require.Contains(t, got, "loss_comfort")
	assert.NotContains(t, got, "has_emergency_fund")

	income, _ := s.Slot("annual_income")
	v, err := income.Coerce(got["annual_income"])
	require.NoError(t, err)
	assert.Equal(t, float64(85000), v.Number)

	comfort, _ := s.Slot("loss_comfort")
	v, err = comfort.Coerce(got["loss_comfort"])
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int)
}

func TestExtractFocusTakesWholeReply(t *testing.T) {
	s := schema.Default()
	e := NewExtractor(s)

	res, err := e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "15",
		Targets: s.Descriptors([]string{"loss_comfort", "annual_income"}),
		Focus:   "loss_comfort",
	})
	require.NoError(t, err)
	assert.Equal(t, []capability.Candidate{{Slot: "loss_comfort", Raw: "15"}}, res.Candidates)
}

func TestExtractOnlyRequestedTargets(t *testing.T) {
	s := schema.Default()
	e := NewExtractor(s)

	res, err := e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "actually I'm aggressive",
		Targets: s.Descriptors([]string{"loss_comfort"}),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.True(t, res.Correction)
}

func TestQuestions(t *testing.T) {
	s := schema.Default()
	q := NewQuestions(s)
	sl, _ := s.Slot("loss_comfort")

	first, err := q.Question(context.Background(), capability.QuestionRequest{Slot: sl.Descriptor()})
	require.NoError(t, err)
	assert.Equal(t, sl.Question, first)

	retry, err := q.Question(context.Background(), capability.QuestionRequest{
		Slot:     sl.Descriptor(),
		Reason:   "that doesn't look like a number between 1 and 10",
		Previous: first,
	})
	require.NoError(t, err)
	assert.Contains(t, retry, "that doesn't look like a number between 1 and 10")
	assert.NotEqual(t, first, retry)

	_, err = q.Question(context.Background(), capability.QuestionRequest{Slot: schema.Descriptor{Name: "nope"}})
	assert.Error(t, err)
}

func TestExtractCorrectionOverridesFocus(t *testing.T) {
	s := schema.Default()
	e := NewExtractor(s)

	res, err := e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "Actually I'm more aggressive",
		Targets: s.Descriptors(s.Names()),
		Focus:   "loss_comfort",
	})
	require.NoError(t, err)
	assert.True(t, res.Correction)
	assert.Equal(t, []capability.Candidate{{Slot: "risk_tolerance", Raw: "aggressive"}}, res.Candidates)

	res, err = e.Extract(context.Background(), capability.ExtractRequest{
		Text:    "actually 7",
		Targets: s.Descriptors(s.Names()),
		Focus:   "loss_comfort",
	})
	require.NoError(t, err)
	assert.Equal(t, []capability.Candidate{{Slot: "loss_comfort", Raw: "actually 7"}}, res.Candidates)
}
