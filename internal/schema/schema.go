// Package schema defines the investment profile slots and their validation
// rules. A Schema is loaded once at startup and is immutable afterwards, so it
// can be shared between goroutines without locking.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/ashureev/advisor/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var errInvalidSchema = errors.New("invalid profile schema")

// Schema is the ordered slot table. Slot order is the question precedence.
type Schema struct {
	Version           int      `yaml:"version"`
	CorrectionMarkers []string `yaml:"correction_markers"`
	Slots             []*Slot  `yaml:"slots"`

	byName  map[string]*Slot
	markers []*regexp.Regexp
}

// Slot describes one named, typed profile field.
type Slot struct {
	Name        string            `yaml:"name"`
	Kind        domain.Kind       `yaml:"kind"`
	Required    bool              `yaml:"required"`
	Group       string            `yaml:"group"`
	Description string            `yaml:"description"`
	Question    string            `yaml:"question"`
	Rephrase    string            `yaml:"rephrase"`
	Values      []string          `yaml:"values"`
	Aliases     map[string]string `yaml:"aliases"`
	Min         *float64          `yaml:"min"`
	Max         *float64          `yaml:"max"`
	MinLength   int               `yaml:"min_length"`
	MaxLength   int               `yaml:"max_length"`
	MinItems    int               `yaml:"min_items"`
	MaxItems    int               `yaml:"max_items"`
	Allowed     []string          `yaml:"allowed"`
	Cues        []string          `yaml:"cues"`
	Buckets     *Buckets          `yaml:"buckets"`

	phrases []phrase
	cues    []*regexp.Regexp
}

// Buckets maps a numeric quantity (for example a number of years) onto an
// enum value.
type Buckets struct {
	Unit   string   `yaml:"unit"`
	Ranges []Bucket `yaml:"ranges"`

	pattern *regexp.Regexp
}

// Bucket is an upper-inclusive range. A nil Max matches everything above the
// previous bucket.
type Bucket struct {
	Max   *float64 `yaml:"max"`
	Value string   `yaml:"value"`
}

// Descriptor is the capability-facing description of a target slot.
type Descriptor struct {
	Name        string      `json:"name"`
	Kind        domain.Kind `json:"kind"`
	Description string      `json:"description,omitempty"`
	Question    string      `json:"question,omitempty"`
	Values      []string    `json:"values,omitempty"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
}

// phrase is a compiled value or alias matcher.
type phrase struct {
	text   string
	target string
	re     *regexp.Regexp
}

// Default returns the embedded default schema.
func Default() *Schema {
	s, err := Parse(defaultYAML)
	if err != nil {
		panic("schema: embedded default is invalid: " + err.Error())
	}
	return s
}

// Load reads a schema from path, or returns the embedded default when path is
// empty.
func Load(path string) (*Schema, error) {
	if path == "" {
		return Parse(defaultYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) compile() error {
	if len(s.Slots) == 0 {
		return fmt.Errorf("%w: no slots defined", errInvalidSchema)
	}
	s.byName = make(map[string]*Slot, len(s.Slots))
	for i, slot := range s.Slots {
		if slot == nil || slot.Name == "" {
			return fmt.Errorf("%w: slot %d has no name", errInvalidSchema, i)
		}
		if _, dup := s.byName[slot.Name]; dup {
			return fmt.Errorf("%w: duplicate slot %q", errInvalidSchema, slot.Name)
		}
		if err := slot.compile(); err != nil {
			return fmt.Errorf("%w: slot %q: %w", errInvalidSchema, slot.Name, err)
		}
		s.byName[slot.Name] = slot
	}
	if !slices.ContainsFunc(s.Slots, func(sl *Slot) bool { return sl.Required }) {
		return fmt.Errorf("%w: at least one slot must be required", errInvalidSchema)
	}
	for _, m := range s.CorrectionMarkers {
		s.markers = append(s.markers, wordPattern(m))
	}
	return nil
}

func (sl *Slot) compile() error {
	switch sl.Kind {
	case domain.KindEnum:
		if len(sl.Values) == 0 {
			return errors.New("enum slot needs values")
		}
	case domain.KindInteger, domain.KindNumber, domain.KindText, domain.KindBoolean, domain.KindList:
	default:
		return fmt.Errorf("unknown kind %q", sl.Kind)
	}
	if sl.Min != nil && sl.Max != nil && *sl.Min > *sl.Max {
		return errors.New("min exceeds max")
	}
	if sl.Question == "" {
		sl.Question = "Could you tell me your " + strings.ReplaceAll(sl.Name, "_", " ") + "?"
	}

	targets := sl.Values
	if sl.Kind == domain.KindList {
		targets = sl.Allowed
	}
	for _, v := range targets {
		sl.phrases = append(sl.phrases, phrase{text: v, target: v, re: wordPattern(v)})
	}
	for _, alias := range sortedKeys(sl.Aliases) {
		target := sl.Aliases[alias]
		if len(targets) > 0 && !slices.Contains(targets, target) {
			return fmt.Errorf("alias %q points at unknown value %q", alias, target)
		}
		sl.phrases = append(sl.phrases, phrase{text: alias, target: target, re: wordPattern(alias)})
	}
	// Longest phrase first so "long term" wins over "long".
	slices.SortStableFunc(sl.phrases, func(a, b phrase) int { return len(b.text) - len(a.text) })

	for _, c := range sl.Cues {
		sl.cues = append(sl.cues, wordPattern(c))
	}

	if sl.Buckets != nil {
		if sl.Kind != domain.KindEnum {
			return errors.New("buckets are only valid on enum slots")
		}
		if len(sl.Buckets.Ranges) == 0 {
			return errors.New("buckets need at least one range")
		}
		for _, b := range sl.Buckets.Ranges {
			if !slices.Contains(sl.Values, b.Value) {
				return fmt.Errorf("bucket value %q is not an enum value", b.Value)
			}
		}
		if sl.Buckets.Unit != "" {
			sl.Buckets.pattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:` + regexp.QuoteMeta(sl.Buckets.Unit) + `s?|yrs?)\b`)
		}
	}
	return nil
}

// Slot returns the named slot.
func (s *Schema) Slot(name string) (*Slot, bool) {
	sl, ok := s.byName[name]
	return sl, ok
}

// Names returns every slot name in precedence order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.Slots))
	for _, sl := range s.Slots {
		names = append(names, sl.Name)
	}
	return names
}

// Required returns the required slot names in precedence order.
func (s *Schema) Required() []string {
	var names []string
	for _, sl := range s.Slots {
		if sl.Required {
			names = append(names, sl.Name)
		}
	}
	return names
}

// Missing returns required slots that are not set-valid, in the fixed
// precedence order of the schema.
func (s *Schema) Missing(p domain.Profile) []string {
	missing := []string{}
	for _, sl := range s.Slots {
		if sl.Required && !p.IsValid(sl.Name) {
			missing = append(missing, sl.Name)
		}
	}
	return missing
}

// Complete reports whether every required slot is set-valid.
func (s *Schema) Complete(p domain.Profile) bool {
	return len(s.Missing(p)) == 0
}

// Unfilled returns every slot, required or optional, that is not set-valid.
func (s *Schema) Unfilled(p domain.Profile) []string {
	var names []string
	for _, sl := range s.Slots {
		if !p.IsValid(sl.Name) {
			names = append(names, sl.Name)
		}
	}
	return names
}

// Descriptors returns capability descriptors for the named slots, in schema
// order. Unknown names are skipped.
func (s *Schema) Descriptors(names []string) []Descriptor {
	out := make([]Descriptor, 0, len(names))
	for _, sl := range s.Slots {
		if slices.Contains(names, sl.Name) {
			out = append(out, sl.Descriptor())
		}
	}
	return out
}

// IsCorrection reports whether text contains an explicit correction marker.
func (s *Schema) IsCorrection(text string) bool {
	for _, re := range s.markers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Descriptor returns the capability-facing description of the slot.
func (sl *Slot) Descriptor() Descriptor {
	values := sl.Values
	if sl.Kind == domain.KindList {
		values = sl.Allowed
	}
	return Descriptor{
		Name:        sl.Name,
		Kind:        sl.Kind,
		Description: sl.Description,
		Question:    sl.Question,
		Values:      slices.Clone(values),
		Min:         sl.Min,
		Max:         sl.Max,
	}
}

// Prompt renders the template question for the slot. When reason is set the
// reason leads the question and the rephrased wording is used, so a failed
// answer is never met with the identical question. The rephrased wording is
// also used when previous already equals the primary question.
func (sl *Slot) Prompt(reason, previous string) string {
	question := sl.Question
	if sl.Rephrase != "" && (reason != "" || previous == sl.Question) {
		question = sl.Rephrase
	}
	if reason == "" {
		return question
	}
	return "Hmm, " + reason + ". " + question
}

// HasCue reports whether text mentions one of the slot's cue phrases.
func (sl *Slot) HasCue(text string) bool {
	for _, re := range sl.cues {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MatchPhrase returns the enum or list value whose value or alias text occurs
// in text, longest phrase first.
func (sl *Slot) MatchPhrase(text string) (string, bool) {
	for _, p := range sl.phrases {
		if p.re.MatchString(text) {
			return p.target, true
		}
	}
	return "", false
}

// MatchQuantity finds a "<number> <unit>" expression for bucketed slots and
// returns the matched substring.
func (sl *Slot) MatchQuantity(text string) (string, bool) {
	if sl.Buckets == nil || sl.Buckets.pattern == nil {
		return "", false
	}
	m := sl.Buckets.pattern.FindString(text)
	return m, m != ""
}

func wordPattern(s string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(s)))
	prefix, suffix := `\b`, `\b`
	if s != "" && !isWordByte(s[0]) {
		prefix = ``
	}
	if s != "" && !isWordByte(s[len(s)-1]) {
		suffix = ``
	}
	return regexp.MustCompile(`(?i)` + prefix + quoted + suffix)
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
