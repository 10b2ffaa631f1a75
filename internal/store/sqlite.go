package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex // serializes writers to avoid SQLITE_BUSY storms
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's lock.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		active_unit TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves the stored snapshot for a user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE user_id = ?`, userID)

	var stateJSON string
	err := row.Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(stateJSON), &session); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if session.Profile == nil {
		session.Profile = domain.Profile{}
	}
	return &session, nil
}

// UpsertSession creates or updates a session snapshot.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	state, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
		INSERT INTO sessions (user_id, active_unit, turn_count, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			active_unit = excluded.active_unit,
			turn_count = excluded.turn_count,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
		WHERE excluded.turn_count >= sessions.turn_count`

	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return shared.RetryOnConflict(ctx, "upsert session", s.retry, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			session.UserID, string(session.ActiveUnit), session.TurnCount, string(state),
			session.CreatedAt.Unix(), updatedAt.Unix(),
		)
		return err
	})
}

// DeleteSession removes a session snapshot, retrying on SQLITE_BUSY.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID string) error {
	return shared.RetryOnConflict(ctx, "delete session", s.retry, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return err
	})
}

// CleanupExpiredSessions removes snapshots older than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	var removed int64
	err := shared.RetryOnConflict(ctx, "cleanup expired sessions", s.retry, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("expired session snapshots removed", "count", removed, "ttl", ttl)
	}
	return removed, nil
}
