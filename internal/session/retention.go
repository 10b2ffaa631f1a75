package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds one retention run.
const sweepTimeout = time.Minute

// EvictCallback is called for every user evicted by a retention run.
type EvictCallback func(userID string)

// Retention runs Store.Sweep on a cron schedule.
type Retention struct {
	cron    *cron.Cron
	store   *Store
	ttl     time.Duration
	onEvict EvictCallback
	logger  *slog.Logger
}

// StartRetention schedules sweeps of store using a standard five-field cron
// expression (or a descriptor such as "@every 10m").
func StartRetention(st *Store, schedule string, ttl time.Duration, onEvict EvictCallback, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		cron:    cron.New(),
		store:   st,
		ttl:     ttl,
		onEvict: onEvict,
		logger:  logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	r.cron.Start()
	logger.Info("session retention started", "schedule", schedule, "ttl", ttl)
	return r, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("session retention stopped")
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	evicted, err := r.store.Sweep(ctx, r.ttl)
	if err != nil {
		r.logger.Error("session retention sweep failed", "error", err)
	}
	for _, id := range evicted {
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
	if len(evicted) > 0 {
		r.logger.Info("session retention sweep completed", "evicted", len(evicted), "remaining", r.store.Len())
	}
}
