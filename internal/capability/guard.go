package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/advisor/internal/domain"
	"golang.org/x/sync/semaphore"
)

var errNilResult = errors.New("nil result")

// GuardConfig bounds every capability call.
type GuardConfig struct {
	// CallTimeout applies to extraction, question generation and units.
	CallTimeout time.Duration
	// ClassifierTimeout applies to intent classification.
	ClassifierTimeout time.Duration
	// MaxInFlight caps concurrent capability calls process-wide.
	MaxInFlight int64
}

// DefaultGuardConfig returns the defaults used when config leaves values unset.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:       20 * time.Second,
		ClassifierTimeout: 5 * time.Second,
		MaxInFlight:       64,
	}
}

// Guard wraps capabilities with a timeout, a process-wide in-flight bound and
// error normalization to ErrUnavailable.
type Guard struct {
	cfg    GuardConfig
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewGuard creates a guard. Zero config fields take their defaults.
func NewGuard(cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGuardConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = def.ClassifierTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	return &Guard{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxInFlight), logger: logger}
}

// Wrap returns a copy of set whose members are all guarded.
func (g *Guard) Wrap(set Set) Set {
	out := Set{Units: make(map[domain.Intent]Unit, len(set.Units))}
	if set.Classifier != nil {
		out.Classifier = guardedClassifier{g: g, inner: set.Classifier}
	}
	if set.Extractor != nil {
		out.Extractor = guardedExtractor{g: g, inner: set.Extractor}
	}
	if set.Questions != nil {
		out.Questions = guardedQuestions{g: g, inner: set.Questions}
	}
	for in, u := range set.Units {
		out.Units[in] = guardedUnit{g: g, inner: u, op: "unit." + string(in)}
	}
	return out
}

type result[T any] struct {
	val T
	err error
}

// guarded runs fn under the guard. The call returns when fn finishes or the
// deadline passes, whichever is first; the in-flight slot is held until fn
// actually returns.
func guarded[T any](ctx context.Context, g *Guard, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)

	if err := g.sem.Acquire(ctx, 1); err != nil {
		cancel()
		g.logger.Warn("capability rejected", "op", op, "error", err)
		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}

	start := time.Now()
	done := make(chan result[T], 1)
	go func() {
		defer g.sem.Release(1)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	latency := time.Since(start)
	if res.err != nil {
		g.logger.Warn("capability call failed",
			"op", op,
			"error", res.err,
			"latency_ms", latency.Milliseconds())
		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, res.err)
	}
	g.logger.Debug("capability call completed", "op", op, "latency_ms", latency.Milliseconds())
	return res.val, nil
}

type guardedClassifier struct {
	g     *Guard
	inner Classifier
}

func (c guardedClassifier) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	return guarded(ctx, c.g, "classify", c.g.cfg.ClassifierTimeout, func(ctx context.Context) (Classification, error) {
		return c.inner.Classify(ctx, req)
	})
}

type guardedExtractor struct {
	g     *Guard
	inner Extractor
}

func (e guardedExtractor) Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	return guarded(ctx, e.g, "extract", e.g.cfg.CallTimeout, func(ctx context.Context) (ExtractResult, error) {
		return e.inner.Extract(ctx, req)
	})
}

type guardedQuestions struct {
	g     *Guard
	inner QuestionGenerator
}

func (q guardedQuestions) Question(ctx context.Context, req QuestionRequest) (string, error) {
	return guarded(ctx, q.g, "question", q.g.cfg.CallTimeout, func(ctx context.Context) (string, error) {
		text, err := q.inner.Question(ctx, req)
		if err == nil && text == "" {
			err = errNilResult
		}
		return text, err
	})
}

type guardedUnit struct {
	g     *Guard
	inner Unit
	op    string
}

func (u guardedUnit) Process(ctx context.Context, req UnitRequest) (*UnitResult, error) {
	return guarded(ctx, u.g, u.op, u.g.cfg.CallTimeout, func(ctx context.Context) (*UnitResult, error) {
		res, err := u.inner.Process(ctx, req)
		if err == nil && res == nil {
			err = errNilResult
		}
		return res, err
	})
}
