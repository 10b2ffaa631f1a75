package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
)

var (
	clauseSep  = regexp.MustCompile(`(?i)\s*(?:[,;.!?](?:\s+|$)|\band\b|\bbut\b|\balso\b)\s*`)
	hasNumeral = regexp.MustCompile(`\d`)
)

// Extractor finds slot candidates using the schema's values, aliases, cue
// phrases and quantity buckets.
type Extractor struct {
	schema *schema.Schema
}

var _ capability.Extractor = (*Extractor)(nil)

// NewExtractor creates an extractor for the given schema.
func NewExtractor(s *schema.Schema) *Extractor {
	return &Extractor{schema: s}
}

// Extract returns raw candidates for the requested targets. When Focus is set
// the whole message is treated as the answer to that slot and no other slot
// is considered, unless the message is a correction. A correction that names
// no slot still falls back to the focus slot.
func (e *Extractor) Extract(_ context.Context, req capability.ExtractRequest) (capability.ExtractResult, error) {
	res := capability.ExtractResult{Correction: e.schema.IsCorrection(req.Text)}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return res, nil
	}

	focused := req.Focus != "" && targeted(req.Targets, req.Focus)
	if focused && !res.Correction {
		res.Candidates = []capability.Candidate{{Slot: req.Focus, Raw: text}}
		return res, nil
	}

	lower := strings.ToLower(text)
	clauses := clauseSep.Split(text, -1)
	for _, d := range req.Targets {
		sl, ok := e.schema.Slot(d.Name)
		if !ok {
			continue
		}
		if raw, ok := e.match(sl, text, lower, clauses); ok {
			res.Candidates = append(res.Candidates, capability.Candidate{Slot: sl.Name, Raw: raw})
		}
	}
	if focused && len(res.Candidates) == 0 {
		res.Candidates = []capability.Candidate{{Slot: req.Focus, Raw: text}}
	}
	return res, nil
}

func (e *Extractor) match(sl *schema.Slot, text, lower string, clauses []string) (string, bool) {
	switch sl.Kind {
	case domain.KindEnum:
		if v, ok := sl.MatchPhrase(lower); ok {
			return v, true
		}
		return sl.MatchQuantity(text)
	case domain.KindList:
		if _, ok := sl.MatchPhrase(lower); ok {
			return text, true
		}
		return "", false
	case domain.KindInteger, domain.KindNumber:
		return cuedClause(sl, clauses, true)
	case domain.KindBoolean:
		return cuedClause(sl, clauses, false)
	default:
		// Free text is only captured as a direct answer.
		return "", false
	}
}

// cuedClause returns the clause mentioning one of the slot's cues. Numeric
// slots need a numeral in that clause or the one after it.
func cuedClause(sl *schema.Slot, clauses []string, numeric bool) (string, bool) {
	for i, c := range clauses {
		if !sl.HasCue(c) {
			continue
		}
		if !numeric || hasNumeral.MatchString(c) {
			return c, true
		}
		if i+1 < len(clauses) && hasNumeral.MatchString(clauses[i+1]) {
			return clauses[i+1], true
		}
	}
	return "", false
}

func targeted(targets []schema.Descriptor, name string) bool {
	for _, d := range targets {
		if d.Name == name {
			return true
		}
	}
	return false
}
