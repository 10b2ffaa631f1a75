package schema

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/advisor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemaPrecedence(t *testing.T) {
	s := Default()

	assert.Equal(t, []string{
		"risk_tolerance",
		"loss_comfort",
		"investment_period",
		"annual_income",
		"has_emergency_fund",
		"investment_experience",
		"investment_goals",
	}, s.Required())
	assert.Len(t, s.Names(), 9)
}

func TestMissingIsIndependentOfFillOrder(t *testing.T) {
	s := Default()
	required := s.Required()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		order := rng.Perm(len(required))
		p := domain.Profile{}
		for _, idx := range order[:rng.Intn(len(required))] {
			p[required[idx]] = domain.SlotValue{State: domain.SlotSetValid}
		}

		var want []string
		for _, name := range required {
			if !p.IsValid(name) {
				want = append(want, name)
			}
		}
		got := s.Missing(p)
		if len(want) == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, want, got, "iteration %d", i)
	}
}

func TestMissingIgnoresUnvalidatedSlots(t *testing.T) {
	s := Default()
	p := domain.Profile{
		"risk_tolerance": {State: domain.SlotSetUnvalidated},
		"loss_comfort":   {State: domain.SlotSetValid},
	}
	missing := s.Missing(p)
	require.NotEmpty(t, missing)
	assert.Equal(t, "risk_tolerance", missing[0])
	assert.NotContains(t, missing, "loss_comfort")
	assert.False(t, s.Complete(p))
}

func TestCoerce(t *testing.T) {
	s := Default()

	tests := []struct {
		name   string
		slot   string
		raw    string
		want   domain.Value
		reason string
	}{
		{name: "enum exact", slot: "risk_tolerance", raw: "Conservative", want: domain.Value{Kind: domain.KindEnum, Text: "conservative"}},
		{name: "enum alias", slot: "risk_tolerance", raw: "pretty balanced I think", want: domain.Value{Kind: domain.KindEnum, Text: "moderate"}},
		{name: "enum invalid", slot: "risk_tolerance", raw: "purple", reason: "that isn't one of: conservative, moderate, aggressive"},
		{name: "bucket years", slot: "investment_period", raw: "30 years", want: domain.Value{Kind: domain.KindEnum, Text: "long"}},
		{name: "bucket short", slot: "investment_period", raw: "2 years", want: domain.Value{Kind: domain.KindEnum, Text: "short"}},
		{name: "bucket bare number", slot: "investment_period", raw: "7", want: domain.Value{Kind: domain.KindEnum, Text: "medium"}},
		{name: "long term alias", slot: "investment_period", raw: "long term", want: domain.Value{Kind: domain.KindEnum, Text: "long"}},
		{name: "integer", slot: "loss_comfort", raw: "8", want: domain.Value{Kind: domain.KindInteger, Int: 8}},
		{name: "integer word", slot: "loss_comfort", raw: "maybe a six", want: domain.Value{Kind: domain.KindInteger, Int: 6}},
		{name: "integer out of range", slot: "loss_comfort", raw: "15", reason: "that doesn't look like a number between 1 and 10"},
		{name: "integer not a number", slot: "loss_comfort", raw: "dunno", reason: "that doesn't look like a number between 1 and 10"},
		{name: "amount k suffix", slot: "annual_income", raw: "about 85k", want: domain.Value{Kind: domain.KindNumber, Number: 85000}},
		{name: "amount with commas", slot: "annual_income", raw: "$120,500 a year", want: domain.Value{Kind: domain.KindNumber, Number: 120500}},
		{name: "amount negative", slot: "annual_income", raw: "-5", reason: "that doesn't look like an amount of at least 0"},
		{name: "bool yes", slot: "has_emergency_fund", raw: "yes I do", want: domain.Value{Kind: domain.KindBoolean, Bool: true}},
		{name: "bool negation wins", slot: "has_emergency_fund", raw: "no, I don't have one", want: domain.Value{Kind: domain.KindBoolean}},
		{name: "bool unclear", slot: "has_emergency_fund", raw: "hmm", reason: "I need a yes or no answer"},
		{name: "list aliases in order", slot: "investment_goals", raw: "a house and then retire", want: domain.Value{Kind: domain.KindList, List: []string{"home", "retirement"}}},
		{name: "list nothing allowed", slot: "investment_goals", raw: "a boat", reason: "please pick from: retirement, home, education, wealth, dividends, travel"},
		{name: "text", slot: "notes", raw: "  I prefer ethical funds ", want: domain.Value{Kind: domain.KindText, Text: "I prefer ethical funds"}},
		{name: "empty", slot: "notes", raw: "   ", reason: "that answer was empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, ok := s.Slot(tt.slot)
			require.True(t, ok)

			got, err := sl.Coerce(tt.raw)
			if tt.reason != "" {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
				assert.Equal(t, tt.reason, verr.Reason)
				assert.Equal(t, tt.slot, verr.Slot)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %+v, got %+v", tt.want, got)
		})
	}
}

func TestCorrectionMarkers(t *testing.T) {
	s := Default()
	assert.True(t, s.IsCorrection("Actually, I'm more aggressive"))
	assert.True(t, s.IsCorrection("please update my income to 90k"))
	assert.False(t, s.IsCorrection("I'm aggressive"))
}

func TestParseRejectsInvalidSchemas(t *testing.T) {
	tests := map[string]string{
		"no slots":         "version: 1\n",
		"duplicate":        "slots:\n  - {name: a, kind: text, required: true}\n  - {name: a, kind: text}\n",
		"unknown kind":     "slots:\n  - {name: a, kind: colour, required: true}\n",
		"enum no values":   "slots:\n  - {name: a, kind: enum, required: true}\n",
		"bad alias":        "slots:\n  - {name: a, kind: enum, required: true, values: [x], aliases: {y: z}}\n",
		"nothing required": "slots:\n  - {name: a, kind: text}\n",
		"min above max":    "slots:\n  - {name: a, kind: integer, required: true, min: 5, max: 1}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, errInvalidSchema)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	doc := "slots:\n  - name: pet\n    kind: enum\n    required: true\n    values: [cat, dog]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"pet"}, s.Required())

	sl, _ := s.Slot("pet")
	assert.Equal(t, "Could you tell me your pet?", sl.Question)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPromptIncludesReasonAndAvoidsRepeat(t *testing.T) {
	s := Default()
	sl, ok := s.Slot("loss_comfort")
	require.True(t, ok)

	first := sl.Prompt("", "")
	assert.Equal(t, sl.Question, first)

	retry := sl.Prompt("that doesn't look like a number between 1 and 10", first)
	assert.Contains(t, retry, "that doesn't look like a number between 1 and 10")
	assert.NotEqual(t, first, retry)

	assert.Equal(t, sl.Rephrase, sl.Prompt("", sl.Question))

	notes, _ := s.Slot("notes")
	again := notes.Prompt("that's too long (max 500 characters)", notes.Question)
	assert.NotEqual(t, notes.Question, again)
}
