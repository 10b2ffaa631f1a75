// Package session owns per-user conversation state. A turn checks a session
// out with Acquire, works on a private clone and checks it back in with
// Release. At most one handle per user id is live at a time; further
// acquirers queue in FIFO order or fail fast, depending on the busy policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrSessionBusy is returned by Acquire under PolicyFail when another turn
	// holds the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrHandleReleased is returned when a handle is released twice.
	ErrHandleReleased = errors.New("session handle already released")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("user id is required")
)

// persistTimeout bounds write-through persistence on release.
const persistTimeout = 5 * time.Second

// BusyPolicy decides what Acquire does when the session is held.
type BusyPolicy string

const (
	// PolicyWait queues the caller behind the current holder, FIFO.
	PolicyWait BusyPolicy = "wait"
	// PolicyFail returns ErrSessionBusy immediately.
	PolicyFail BusyPolicy = "fail"
)

// ParseBusyPolicy maps a config value onto a policy.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case PolicyWait, "":
		return PolicyWait, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", s)
	}
}

// Options configures a Store.
type Options struct {
	Policy BusyPolicy
	// Repo persists committed sessions. Nil keeps sessions in memory only.
	Repo   store.Repository
	Logger *slog.Logger
}

// entry is one user's slot in the store. held and waiters are guarded by mu
// (the turn lock); refs and lastUsed by Store.mu; session and loaded are only
// touched by the turn lock holder.
type entry struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}

	refs     int
	lastUsed time.Time

	session *domain.Session
	loaded  bool
}

// Store is the exclusive owner of all sessions.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	policy BusyPolicy
	repo   store.Repository
	logger *slog.Logger
}

// NewStore creates a session store.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyWait
	}
	return &Store{
		entries: make(map[string]*entry),
		policy:  opts.Policy,
		repo:    opts.Repo,
		logger:  opts.Logger,
	}
}

// Handle is a checked-out session. Session returns the private clone the turn
// works on; nothing is visible to other turns until Release commits it.
type Handle struct {
	id       string
	userID   string
	session  *domain.Session
	entry    *entry
	released atomic.Bool
}

// ID returns the lease id of this checkout.
func (h *Handle) ID() string { return h.id }

// UserID returns the owning user id.
func (h *Handle) UserID() string { return h.userID }

// Session returns the turn's private working copy.
func (h *Handle) Session() *domain.Session { return h.session }

// Acquire checks out the session for userID, creating it on first use.
func (s *Store) Acquire(ctx context.Context, userID string) (*Handle, error) {
	return s.acquire(ctx, userID, s.policy)
}

func (s *Store) acquire(ctx context.Context, userID string, policy BusyPolicy) (*Handle, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}

	e := s.ref(userID)
	if err := s.lock(ctx, e, policy); err != nil {
		s.unref(e)
		return nil, err
	}

	if !e.loaded {
		sess, err := s.load(ctx, userID)
		if err != nil {
			s.unlock(e)
			s.unref(e)
			return nil, err
		}
		e.session = sess
		e.loaded = true
	}

	return &Handle{
		id:      uuid.NewString(),
		userID:  userID,
		session: e.session.Clone(),
		entry:   e,
	}, nil
}

// Release commits updated (nil commits nothing) and passes the session to
// the next queued turn. The commit is persisted before the next turn runs. A
// persistence failure is returned but the in-memory commit stands.
func (s *Store) Release(h *Handle, updated *domain.Session) error {
	return s.release(h, updated, true)
}

func (s *Store) release(h *Handle, updated *domain.Session, persist bool) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	e := h.entry

	var err error
	if updated != nil {
		committed := updated.Clone()
		committed.UserID = h.userID
		committed.UpdatedAt = time.Now()
		e.session = committed

		if persist && s.repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if perr := s.repo.UpsertSession(ctx, committed); perr != nil {
				s.logger.Error("failed to persist session", "user_id", h.userID, "error", perr)
				err = fmt.Errorf("persist session: %w", perr)
			}
			cancel()
		}
	}

	s.unlock(e)
	s.unref(e)
	return err
}

// Reset replaces the user's session with an empty one and deletes the
// persisted snapshot. It waits for any in-flight turn.
func (s *Store) Reset(ctx context.Context, userID string) error {
	h, err := s.acquire(ctx, userID, PolicyWait)
	if err != nil {
		return err
	}
	var derr error
	if s.repo != nil {
		if derr = s.repo.DeleteSession(ctx, userID); derr != nil {
			derr = fmt.Errorf("delete persisted session: %w", derr)
		}
	}
	if err := s.release(h, domain.NewSession(userID), false); err != nil {
		return err
	}
	return derr
}

// Snapshot returns a read-only copy of the session, taken between turns.
func (s *Store) Snapshot(ctx context.Context, userID string) (*domain.Session, error) {
	h, err := s.acquire(ctx, userID, PolicyWait)
	if err != nil {
		return nil, err
	}
	snap := h.Session()
	if err := s.release(h, nil, false); err != nil {
		return nil, err
	}
	return snap, nil
}

// Sweep evicts in-memory sessions idle for longer than ttl that no turn holds
// or waits on, and removes persisted snapshots older than ttl. It returns the
// evicted user ids.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)

	var evicted []string
	s.mu.Lock()
	for id, e := range s.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(evicted)

	if s.repo != nil {
		if _, err := s.repo.CleanupExpiredSessions(ctx, ttl); err != nil {
			return evicted, fmt.Errorf("cleanup persisted sessions: %w", err)
		}
	}
	return evicted, nil
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) ref(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	e.refs++
	return e
}

func (s *Store) unref(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	e.lastUsed = time.Now()
}

// lock takes the per-user turn lock, queueing FIFO under PolicyWait.
func (s *Store) lock(ctx context.Context, e *entry, policy BusyPolicy) error {
	e.mu.Lock()
	if !e.held {
		e.held = true
		e.mu.Unlock()
		return nil
	}
	if policy == PolicyFail {
		e.mu.Unlock()
		return ErrSessionBusy
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		if i := slices.Index(e.waiters, ch); i >= 0 {
			e.waiters = slices.Delete(e.waiters, i, i+1)
			e.mu.Unlock()
			return ctx.Err()
		}
		e.mu.Unlock()
		// Ownership was handed over while we were cancelling; pass it on.
		s.unlock(e)
		return ctx.Err()
	}
}

// unlock hands the turn lock to the oldest waiter, or frees it.
func (s *Store) unlock(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.waiters) == 0 {
		e.held = false
		return
	}
	next := e.waiters[0]
	e.waiters = slices.Delete(e.waiters, 0, 1)
	close(next)
}

// load restores a persisted session or creates an empty one.
func (s *Store) load(ctx context.Context, userID string) (*domain.Session, error) {
	if s.repo != nil {
		sess, err := s.repo.GetSession(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if sess != nil {
			sess.UserID = userID
			if sess.ID == "" {
				sess.ID = uuid.NewString()
			}
			return sess, nil
		}
	}
	s.logger.Debug("session created", "user_id", userID)
	return domain.NewSession(userID), nil
}
