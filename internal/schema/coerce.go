package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/advisor/internal/domain"
)

// ValidationError is returned when a raw value fails a slot predicate. Reason
// is phrased for the user and is quoted back in the follow-up question.
type ValidationError struct {
	Slot   string
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("slot %s: %s", e.Slot, e.Reason)
}

var (
	integerPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	amountPattern  = regexp.MustCompile(`(?i)(-?)\$?\s*(\d[\d,]*(?:\.\d+)?)\s*(k|m|thousand|million|mn)?\b`)
	numberWords    = map[string]int64{
		"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
		"eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40,
	}
	yesPatterns  = wordPatterns("yes", "y", "yeah", "yep", "yup", "true", "sure", "correct", "i do", "i have", "of course", "definitely")
	noPatterns   = wordPatterns("no", "n", "nope", "nah", "false", "i don't", "i dont", "do not", "don't", "not", "none", "never", "haven't")
	zeroPatterns = wordPatterns("nothing", "none", "zero")
	listSep      = regexp.MustCompile(`(?i)\s*(?:,|;|/|&|\band\b)\s*`)
)

// Coerce parses raw into a normalized value and applies the slot predicate.
// The returned error is always a *ValidationError.
func (sl *Slot) Coerce(raw string) (domain.Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Value{}, sl.invalid(raw, "that answer was empty")
	}
	switch sl.Kind {
	case domain.KindEnum:
		return sl.coerceEnum(raw)
	case domain.KindInteger:
		return sl.coerceInteger(raw)
	case domain.KindNumber:
		return sl.coerceNumber(raw)
	case domain.KindBoolean:
		return sl.coerceBool(raw)
	case domain.KindList:
		return sl.coerceList(raw)
	default:
		return sl.coerceText(raw)
	}
}

// Validate re-applies the predicate to an already normalized value.
func (sl *Slot) Validate(v domain.Value) error {
	if v.Kind != sl.Kind {
		return sl.invalid(v.String(), fmt.Sprintf("expected a %s value", sl.Kind))
	}
	_, err := sl.Coerce(v.String())
	return err
}

func (sl *Slot) coerceEnum(raw string) (domain.Value, error) {
	lower := strings.ToLower(raw)
	if slices.Contains(sl.Values, lower) {
		return domain.Value{Kind: domain.KindEnum, Text: lower}, nil
	}
	if v, ok := sl.MatchPhrase(lower); ok {
		return domain.Value{Kind: domain.KindEnum, Text: v}, nil
	}
	if sl.Buckets != nil {
		if n, ok := firstNumber(lower); ok {
			if v, ok := sl.Buckets.lookup(n); ok {
				return domain.Value{Kind: domain.KindEnum, Text: v}, nil
			}
		}
	}
	return domain.Value{}, sl.invalid(raw, "that isn't one of: "+strings.Join(sl.Values, ", "))
}

func (sl *Slot) coerceInteger(raw string) (domain.Value, error) {
	n, ok := firstNumber(strings.ToLower(raw))
	if !ok || n != math.Trunc(n) || !sl.inRange(n) {
		return domain.Value{}, sl.invalid(raw, "that doesn't look like "+sl.rangePhrase("a whole number"))
	}
	return domain.Value{Kind: domain.KindInteger, Int: int64(n)}, nil
}

func (sl *Slot) coerceNumber(raw string) (domain.Value, error) {
	n, ok := parseAmount(raw)
	if !ok || !sl.inRange(n) {
		return domain.Value{}, sl.invalid(raw, "that doesn't look like "+sl.rangePhrase("an amount"))
	}
	return domain.Value{Kind: domain.KindNumber, Number: n}, nil
}

func (sl *Slot) coerceBool(raw string) (domain.Value, error) {
	lower := strings.ToLower(raw)
	// Negation is checked first so "no, I don't have one" is never read as yes.
	for _, re := range noPatterns {
		if re.MatchString(lower) {
			return domain.Value{Kind: domain.KindBoolean, Bool: false}, nil
		}
	}
	for _, re := range yesPatterns {
		if re.MatchString(lower) {
			return domain.Value{Kind: domain.KindBoolean, Bool: true}, nil
		}
	}
	if sl.HasCue(lower) {
		return domain.Value{Kind: domain.KindBoolean, Bool: true}, nil
	}
	return domain.Value{}, sl.invalid(raw, "I need a yes or no answer")
}

func (sl *Slot) coerceList(raw string) (domain.Value, error) {
	var items []string
	if len(sl.Allowed) > 0 {
		lower := strings.ToLower(raw)
		for _, p := range sl.phrasesByPosition(lower) {
			if !slices.Contains(items, p) {
				items = append(items, p)
			}
		}
		if len(items) == 0 {
			return domain.Value{}, sl.invalid(raw, "please pick from: "+strings.Join(sl.Allowed, ", "))
		}
	} else {
		for _, part := range splitList(raw) {
			if part != "" && !slices.Contains(items, part) {
				items = append(items, part)
			}
		}
	}
	if len(items) < max(sl.MinItems, 1) {
		return domain.Value{}, sl.invalid(raw, fmt.Sprintf("please name at least %d", max(sl.MinItems, 1)))
	}
	if sl.MaxItems > 0 && len(items) > sl.MaxItems {
		return domain.Value{}, sl.invalid(raw, fmt.Sprintf("please name no more than %d", sl.MaxItems))
	}
	return domain.Value{Kind: domain.KindList, List: items}, nil
}

func (sl *Slot) coerceText(raw string) (domain.Value, error) {
	n := utf8.RuneCountInString(raw)
	if sl.MinLength > 0 && n < sl.MinLength {
		return domain.Value{}, sl.invalid(raw, fmt.Sprintf("that's a bit short (at least %d characters)", sl.MinLength))
	}
	if sl.MaxLength > 0 && n > sl.MaxLength {
		return domain.Value{}, sl.invalid(raw, fmt.Sprintf("that's too long (max %d characters)", sl.MaxLength))
	}
	return domain.Value{Kind: domain.KindText, Text: raw}, nil
}

// phrasesByPosition returns matched list values in the order they appear.
func (sl *Slot) phrasesByPosition(lower string) []string {
	type hit struct {
		pos    int
		target string
	}
	var hits []hit
	for _, p := range sl.phrases {
		if loc := p.re.FindStringIndex(lower); loc != nil {
			hits = append(hits, hit{pos: loc[0], target: p.target})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return a.pos - b.pos })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.target)
	}
	return out
}

func (sl *Slot) inRange(n float64) bool {
	if sl.Min != nil && n < *sl.Min {
		return false
	}
	if sl.Max != nil && n > *sl.Max {
		return false
	}
	return true
}

func (sl *Slot) rangePhrase(noun string) string {
	switch {
	case sl.Min != nil && sl.Max != nil:
		if sl.Kind == domain.KindInteger {
			return fmt.Sprintf("a number between %s and %s", fmtNum(*sl.Min), fmtNum(*sl.Max))
		}
		return fmt.Sprintf("%s between %s and %s", noun, fmtNum(*sl.Min), fmtNum(*sl.Max))
	case sl.Min != nil:
		return fmt.Sprintf("%s of at least %s", noun, fmtNum(*sl.Min))
	case sl.Max != nil:
		return fmt.Sprintf("%s of at most %s", noun, fmtNum(*sl.Max))
	default:
		return noun
	}
}

func (sl *Slot) invalid(raw, reason string) *ValidationError {
	return &ValidationError{Slot: sl.Name, Raw: raw, Reason: reason}
}

func (b *Buckets) lookup(n float64) (string, bool) {
	for _, r := range b.Ranges {
		if r.Max == nil || n <= *r.Max {
			return r.Value, true
		}
	}
	return "", false
}

// firstNumber returns the first numeric token in s, accepting small number
// words ("eight") as well as digits.
func firstNumber(s string) (float64, bool) {
	if m := integerPattern.FindString(s); m != "" {
		n, err := strconv.ParseFloat(m, 64)
		return n, err == nil
	}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '.' || r == '-' }) {
		if n, ok := numberWords[f]; ok {
			return float64(n), true
		}
	}
	return 0, false
}

// parseAmount reads money-like amounts such as "$85,000", "85k" or "1.2m".
func parseAmount(s string) (float64, bool) {
	lower := strings.ToLower(s)
	if m := amountPattern.FindStringSubmatch(lower); m != nil {
		n, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			return 0, false
		}
		switch m[3] {
		case "k", "thousand":
			n *= 1_000
		case "m", "mn", "million":
			n *= 1_000_000
		}
		if m[1] == "-" {
			n = -n
		}
		return n, true
	}
	for _, re := range zeroPatterns {
		if re.MatchString(lower) {
			return 0, true
		}
	}
	return 0, false
}

func splitList(raw string) []string {
	parts := listSep.Split(strings.ToLower(raw), -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wordPatterns(words ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		out = append(out, wordPattern(w))
	}
	return out
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
