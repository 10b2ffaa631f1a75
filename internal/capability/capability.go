// Package capability declares the external capabilities the conversation core
// consumes: intent classification, slot extraction, question generation and
// processing units. Every call may fail or time out; callers treat any error
// wrapped around ErrUnavailable as a recoverable degradation.
package capability

import (
	"context"
	"errors"

	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
)

// ErrUnavailable is returned (wrapped) by every guarded capability call that
// failed, timed out or was rejected.
var ErrUnavailable = errors.New("capability unavailable")

// ClassifyRequest is the classifier input.
type ClassifyRequest struct {
	Text    string           `json:"text"`
	History []domain.Message `json:"history,omitempty"`
}

// Classification is the classifier output.
type Classification struct {
	Intent     domain.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`
}

// Classifier maps a message onto the closed intent set.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
}

// ExtractRequest asks for candidate values for the target slots. Focus names
// the slot the user is most likely answering, or is empty.
type ExtractRequest struct {
	Text         string              `json:"text"`
	Targets      []schema.Descriptor `json:"targets"`
	Focus        string              `json:"focus,omitempty"`
	LastQuestion string              `json:"last_question,omitempty"`
	History      []domain.Message    `json:"history,omitempty"`
}

// Candidate is an unvalidated raw value for one slot.
type Candidate struct {
	Slot string `json:"slot"`
	Raw  string `json:"raw"`
}

// ExtractResult holds the extracted candidates. Correction is set when the
// extractor recognized that the user is changing an earlier answer.
type ExtractResult struct {
	Candidates []Candidate `json:"candidates"`
	Correction bool        `json:"correction"`
}

// Extractor pulls candidate slot values out of free text.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// QuestionRequest asks for the next clarifying question. Reason is set when the
// previous answer for Slot failed validation; Previous is the question that was
// asked last and must not be repeated verbatim in that case.
type QuestionRequest struct {
	Slot     schema.Descriptor `json:"slot"`
	Reason   string            `json:"reason,omitempty"`
	Previous string            `json:"previous,omitempty"`
	History  []domain.Message  `json:"history,omitempty"`
}

// QuestionGenerator phrases clarifying questions.
type QuestionGenerator interface {
	Question(ctx context.Context, req QuestionRequest) (string, error)
}

// UnitRequest is the input to a processing unit. Profile and Portfolio are
// read-only.
type UnitRequest struct {
	UserID    string             `json:"user_id"`
	Intent    domain.Intent      `json:"intent"`
	Profile   domain.ProfileView `json:"profile"`
	Portfolio *domain.Portfolio  `json:"portfolio,omitempty"`
	Query     string             `json:"query"`
	History   []domain.Message   `json:"history,omitempty"`
}

// UnitResult is a unit's response.
type UnitResult struct {
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Unit answers one kind of request, such as a portfolio query.
type Unit interface {
	Process(ctx context.Context, req UnitRequest) (*UnitResult, error)
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc func(ctx context.Context, req UnitRequest) (*UnitResult, error)

// Process calls f.
func (f UnitFunc) Process(ctx context.Context, req UnitRequest) (*UnitResult, error) {
	return f(ctx, req)
}

// PortfolioSource supplies the externally owned portfolio for a user.
type PortfolioSource interface {
	Portfolio(ctx context.Context, userID string) (*domain.Portfolio, error)
}

// Set bundles one provider's capabilities.
type Set struct {
	Classifier Classifier
	Extractor  Extractor
	Questions  QuestionGenerator
	Units      map[domain.Intent]Unit
}

// Merge fills nil members of s from fallback.
func (s Set) Merge(fallback Set) Set {
	if s.Classifier == nil {
		s.Classifier = fallback.Classifier
	}
	if s.Extractor == nil {
		s.Extractor = fallback.Extractor
	}
	if s.Questions == nil {
		s.Questions = fallback.Questions
	}
	units := make(map[domain.Intent]Unit, len(fallback.Units)+len(s.Units))
	for in, u := range fallback.Units {
		units[in] = u
	}
	for in, u := range s.Units {
		units[in] = u
	}
	s.Units = units
	return s
}
