// Package scheduler runs the periodic alert history retention sweep.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mattjoyce/deadman/internal/events"
)

// Config controls the sweep cadence.
type Config struct {
	// Interval between sweeps. Zero runs a single sweep at Start.
	Interval time.Duration
	// Jitter adds up to this much random delay to each interval.
	Jitter time.Duration
	// Retention is the age past which deliveries are deleted. Zero disables pruning.
	Retention time.Duration
}

// Scheduler prunes history on a jittered interval.
type Scheduler struct {
	cfg    Config
	pruner Pruner
	events *events.Hub
	logger *slog.Logger
	clock  clock.Clock
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a new Scheduler instance. hub may be nil.
func New(cfg Config, p Pruner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: p,
		events: hub,
		logger: logger.With("component", "scheduler"),
		clock:  clock.New(),
		stopCh: make(chan struct{}),
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Start sweeps once and then keeps sweeping in the background until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		s.logger.Info("history retention disabled, scheduler idle")
		return nil
	}
	s.logger.Info("starting scheduler", "interval", s.cfg.Interval, "retention", s.cfg.Retention)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.Interval <= 0 {
		s.tick(ctx)
		return
	}

	for {
		// Armed before the sweep so a sweep never shifts the cadence.
		timer := s.clock.Timer(calculateJitteredInterval(s.cfg.Interval, s.cfg.Jitter))
		s.tick(ctx)

		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Debug("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single retention sweep.
func (s *Scheduler) tick(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	deleted, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune alert history", "cutoff", cutoff, "error", err)
		return
	}
	if deleted == 0 {
		s.logger.Debug("history sweep found nothing to prune", "cutoff", cutoff)
		return
	}

	s.logger.Info("pruned alert history", "deleted", deleted, "cutoff", cutoff)
	s.events.Publish(events.TypeHistoryPruned, map[string]any{
		"deleted": deleted,
		"cutoff":  cutoff.UTC(),
	})
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
