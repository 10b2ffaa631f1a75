package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Unit names the processing unit that currently owns a session's turns.
type Unit string

const (
	UnitNone      Unit = "none"
	UnitProfiling Unit = "profiling"
)

// Message is a single entry in the conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// QuestionRecord is the most recently asked clarifying question.
type QuestionRecord struct {
	Slot    string    `json:"slot"`
	Text    string    `json:"text"`
	Reason  string    `json:"reason,omitempty"`
	AskedAt time.Time `json:"asked_at"`
}

// Session holds the conversational state for one user.
type Session struct {
	// ID identifies this conversation; Reset starts a new one.
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	History      []Message       `json:"history"`
	ActiveUnit   Unit            `json:"active_unit"`
	Profile      Profile         `json:"profile"`
	MissingSlots []string        `json:"missing_slots"`
	LastQuestion *QuestionRecord `json:"last_question,omitempty"`
	TurnCount    int             `json:"turn_count"`
	Profiling    ProfilingState  `json:"profiling"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewSession returns an empty session for userID.
func NewSession(userID string) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		ActiveUnit: UnitNone,
		Profile:    Profile{},
		Profiling:  ProfilingState{Phase: PhaseIdle},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordMessage appends a message to the history and trims it to limit
// entries when limit is positive.
func (s *Session) RecordMessage(role Role, text string, limit int) {
	s.History = append(s.History, Message{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	if limit > 0 && len(s.History) > limit {
		s.History = slices.Clone(s.History[len(s.History)-limit:])
	}
}

// RecentHistory returns the last n messages from history.
func (s *Session) RecentHistory(n int) []Message {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Clone returns a deep copy that can be mutated without affecting s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	c.MissingSlots = slices.Clone(s.MissingSlots)
	c.Profile = s.Profile.Clone()
	if s.LastQuestion != nil {
		q := *s.LastQuestion
		c.LastQuestion = &q
	}
	return &c
}
