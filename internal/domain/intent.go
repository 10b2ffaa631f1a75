// Package domain contains core domain types for the advisor.
package domain

// Intent is the categorical purpose of one user message.
type Intent string

const (
	IntentPortfolioQuery Intent = "portfolio_query"
	IntentProfileUpdate  Intent = "profile_update"
	IntentRecommendation Intent = "recommendation_request"
	IntentUnrecognized   Intent = "unrecognized"
)

// Intents lists the closed intent set in a stable order.
var Intents = []Intent{
	IntentPortfolioQuery,
	IntentProfileUpdate,
	IntentRecommendation,
	IntentUnrecognized,
}

// ParseIntent maps a label onto the closed intent set. Unknown labels map to
// IntentUnrecognized.
func ParseIntent(s string) Intent {
	for _, in := range Intents {
		if string(in) == s {
			return in
		}
	}
	return IntentUnrecognized
}

// Phase is the profiling sub-state of a session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseExtracting     Phase = "extracting"
	PhaseValidating     Phase = "validating"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseComplete       Phase = "complete"
	PhaseEscalated      Phase = "escalated"
)

// ProfilingState tracks the current profiling attempt.
type ProfilingState struct {
	Phase       Phase  `json:"phase"`
	Turns       int    `json:"turns"`
	Attempts    int    `json:"attempts"`
	LastFailure string `json:"last_failure,omitempty"`
}
