package domain

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SlotState is the lifecycle state of a single profile slot.
type SlotState string

const (
	SlotUnset          SlotState = "unset"
	SlotSetUnvalidated SlotState = "set_unvalidated"
	SlotSetValid       SlotState = "set_valid"
)

// Kind is the semantic type of a slot value.
type Kind string

const (
	KindEnum    Kind = "enum"
	KindInteger Kind = "integer"
	KindText    Kind = "text"
	KindBoolean Kind = "boolean"
	KindList    Kind = "list"
	KindNumber  Kind = "number"
)

// Value is a normalized slot value. Only the field matching Kind is meaningful.
type Value struct {
	Kind   Kind     `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Int    int64    `json:"int,omitempty"`
	Number float64  `json:"number,omitempty"`
	Bool   bool     `json:"bool,omitempty"`
	List   []string `json:"list,omitempty"`
}

// String renders the value for prompts and log lines.
func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindList:
		return strings.Join(v.List, ", ")
	default:
		return v.Text
	}
}

// Any returns the value as a plain Go value suitable for JSON payloads.
func (v Value) Any() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindNumber:
		return v.Number
	case KindBoolean:
		return v.Bool
	case KindList:
		return slices.Clone(v.List)
	default:
		return v.Text
	}
}

// Equal reports whether two values are identical.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Text == o.Text && v.Int == o.Int &&
		v.Number == o.Number && v.Bool == o.Bool && slices.Equal(v.List, o.List)
}

// SlotValue is the stored state of one slot.
type SlotValue struct {
	State     SlotState `json:"state"`
	Value     Value     `json:"value"`
	Raw       string    `json:"raw,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile maps slot names to their current values. Missing keys are unset.
type Profile map[string]SlotValue

// State returns the state of the named slot.
func (p Profile) State(slot string) SlotState {
	if sv, ok := p[slot]; ok && sv.State != "" {
		return sv.State
	}
	return SlotUnset
}

// IsValid reports whether the named slot is set-valid.
func (p Profile) IsValid(slot string) bool {
	return p.State(slot) == SlotSetValid
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	if p == nil {
		return Profile{}
	}
	c := make(Profile, len(p))
	for k, v := range p {
		v.Value.List = slices.Clone(v.Value.List)
		c[k] = v
	}
	return c
}

// View returns the read-only projection of set-valid slots.
func (p Profile) View() ProfileView {
	view := make(ProfileView, len(p))
	for k, v := range p {
		if v.State == SlotSetValid {
			v.Value.List = slices.Clone(v.Value.List)
			view[k] = v.Value
		}
	}
	return view
}

// ProfileView is a read-only copy of the validated profile handed to units.
type ProfileView map[string]Value

// Get returns the value for slot and whether it is present.
func (v ProfileView) Get(slot string) (Value, bool) {
	val, ok := v[slot]
	return val, ok
}

// Text returns the text of slot or "" when absent.
func (v ProfileView) Text(slot string) string {
	return v[slot].Text
}

// Map flattens the view into plain values.
func (v ProfileView) Map() map[string]any {
	out := make(map[string]any, len(v))
	for _, k := range slices.Sorted(maps.Keys(v)) {
		out[k] = v[k].Any()
	}
	return out
}
