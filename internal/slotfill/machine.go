// Package slotfill drives an investment profile to completion through
// multi-turn dialogue: extract candidates, validate them against the schema,
// check completion and ask for the next missing slot.
package slotfill

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/advisor/internal/domain"
)

// ErrIllegalTransition reports a phase change outside the transition table.
var ErrIllegalTransition = errors.New("illegal profiling transition")

var transitions = map[domain.Phase][]domain.Phase{
	domain.PhaseIdle:           {domain.PhaseExtracting},
	domain.PhaseAwaitingAnswer: {domain.PhaseExtracting},
	domain.PhaseComplete:       {domain.PhaseExtracting},
	domain.PhaseEscalated:      {domain.PhaseExtracting},
	domain.PhaseExtracting:     {domain.PhaseValidating},
	domain.PhaseValidating:     {domain.PhaseComplete, domain.PhaseAwaitingAnswer, domain.PhaseEscalated},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to domain.Phase) bool {
	return slices.Contains(transitions[from], to)
}

// transition moves ps to phase to, or fails without changing ps.
func transition(ps *domain.ProfilingState, to domain.Phase) error {
	from := ps.Phase
	if from == "" {
		from = domain.PhaseIdle
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	ps.Phase = to
	return nil
}

// startsAttempt reports whether a turn in phase p begins a new attempt.
func startsAttempt(p domain.Phase) bool {
	switch p {
	case "", domain.PhaseIdle, domain.PhaseComplete, domain.PhaseEscalated:
		return true
	default:
		return false
	}
}
