package rules

import (
	"context"
	"fmt"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/schema"
)

// Questions renders the schema's template questions.
type Questions struct {
	schema *schema.Schema
}

var _ capability.QuestionGenerator = (*Questions)(nil)

// NewQuestions creates a template question generator.
func NewQuestions(s *schema.Schema) *Questions {
	return &Questions{schema: s}
}

// Question returns the template for the requested slot.
func (q *Questions) Question(_ context.Context, req capability.QuestionRequest) (string, error) {
	sl, ok := q.schema.Slot(req.Slot.Name)
	if !ok {
		return "", fmt.Errorf("unknown slot %q", req.Slot.Name)
	}
	return sl.Prompt(req.Reason, req.Previous), nil
}

// New returns the rules capability set. Units are supplied separately.
func New(s *schema.Schema) capability.Set {
	return capability.Set{
		Classifier: NewClassifier(s),
		Extractor:  NewExtractor(s),
		Questions:  NewQuestions(s),
	}
}
