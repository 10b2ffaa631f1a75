// Package store provides session snapshot persistence.
package store

import (
	"context"
	"time"

	"github.com/ashureev/advisor/internal/domain"
)

// Repository persists session snapshots so conversations survive restarts.
type Repository interface {
	// GetSession returns the stored snapshot for userID, or nil when none exists.
	GetSession(ctx context.Context, userID string) (*domain.Session, error)

	// UpsertSession stores a snapshot. A snapshot whose TurnCount is lower than
	// the stored one is ignored, so a late writer can never roll a session back.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes the snapshot for userID.
	DeleteSession(ctx context.Context, userID string) error

	// CleanupExpiredSessions removes snapshots not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
