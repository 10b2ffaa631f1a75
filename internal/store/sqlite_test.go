package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/advisor/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "advisor.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetSession(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("expected no session, got %+v (err %v)", got, err)
	}

	sess := domain.NewSession("u1")
	sess.ActiveUnit = domain.UnitProfiling
	sess.TurnCount = 2
	sess.Profile["risk_tolerance"] = domain.SlotValue{
		State: domain.SlotSetValid,
		Value: domain.Value{Kind: domain.KindEnum, Text: "conservative"},
	}
	sess.RecordMessage(domain.RoleUser, "I'm conservative", 0)
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err = s.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TurnCount != 2 || got.ActiveUnit != domain.UnitProfiling {
		t.Fatalf("unexpected session: %+v", got)
	}
	if v := got.Profile["risk_tolerance"].Value.Text; v != "conservative" {
		t.Fatalf("profile not persisted, got %q", v)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected 1 history message, got %d", len(got.History))
	}
}

func TestUpsertIgnoresStaleTurnCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	newer := domain.NewSession("u1")
	newer.TurnCount = 5
	if err := s.UpsertSession(ctx, newer); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	stale := domain.NewSession("u1")
	stale.TurnCount = 3
	if err := s.UpsertSession(ctx, stale); err != nil {
		t.Fatalf("UpsertSession stale: %v", err)
	}

	got, err := s.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TurnCount != 5 {
		t.Fatalf("stale write rolled session back to turn %d", got.TurnCount)
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	old := domain.NewSession("old")
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	fresh := domain.NewSession("fresh")
	gone := domain.NewSession("gone")
	for _, sess := range []*domain.Session{old, fresh, gone} {
		if err := s.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("UpsertSession %s: %v", sess.UserID, err)
		}
	}

	if err := s.DeleteSession(ctx, "gone"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got, _ := s.GetSession(ctx, "gone"); got != nil {
		t.Fatal("deleted session still present")
	}

	removed, err := s.CleanupExpiredSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired session, removed %d", removed)
	}
	if got, _ := s.GetSession(ctx, "fresh"); got == nil {
		t.Fatal("fresh session was removed")
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
