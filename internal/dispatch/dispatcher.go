package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/history"
	"github.com/mattjoyce/deadman/internal/log"
	"github.com/mattjoyce/deadman/internal/notifier"
	"github.com/mattjoyce/deadman/internal/watchdog"
)

const (
	// DefaultTimeout bounds a single notifier call.
	DefaultTimeout = 10 * time.Second

	// recordTimeout bounds the history write that follows each delivery.
	recordTimeout = 5 * time.Second
)

// Recorder persists delivery attempts. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, d history.Delivery) error
}

type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithEvents(hub *events.Hub) Option {
	return func(d *Dispatcher) { d.events = hub }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTimeout sets the per-delivery timeout. Non-positive values keep the
// default.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher hands alerts to a notifier.
type Dispatcher struct {
	notifier notifier.Notifier
	alerts   <-chan watchdog.Alert
	recorder Recorder
	events   *events.Hub
	logger   *slog.Logger
	timeout  time.Duration

	delivered atomic.Int64
	failed    atomic.Int64
}

// New creates a dispatcher reading from alerts.
func New(n notifier.Notifier, alerts <-chan watchdog.Alert, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		alerts:   alerts,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "notifier", d.notifier.Name(), "timeout", d.timeout)
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-d.alerts:
			d.Deliver(ctx, a)
		}
	}
}

// Deliver runs one alert through the notifier and records the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, a watchdog.Alert) history.Delivery {
	logger := log.WithAlert(d.logger, a.ID, a.Key)

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	started := time.Now()
	err := d.notifier.NotifyFailure(dctx, a.Key)
	elapsed := time.Since(started)
	cancel()

	rec := history.Delivery{
		AlertID:     a.ID,
		Key:         a.Key,
		Notifier:    d.notifier.Name(),
		Status:      history.StatusDelivered,
		FiredAt:     a.FiredAt,
		AttemptedAt: started.UTC(),
		Duration:    elapsed,
	}

	if err != nil {
		rec.Status = history.StatusFailed
		rec.Error = err.Error()
		d.failed.Add(1)
		logger.Warn("alert delivery failed", "error", err, "duration", elapsed)
		d.events.Publish(events.TypeFailed, map[string]any{
			"alert_id": a.ID,
			"key":      a.Key,
			"notifier": rec.Notifier,
			"error":    rec.Error,
		})
	} else {
		d.delivered.Add(1)
		logger.Info("alert delivered", "notifier", rec.Notifier, "duration", elapsed)
		d.events.Publish(events.TypeDelivered, map[string]any{
			"alert_id": a.ID,
			"key":      a.Key,
			"notifier": rec.Notifier,
		})
	}

	if d.recorder != nil {
		// Record even when shutdown cancelled ctx mid-delivery.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := d.recorder.Record(rctx, rec); err != nil {
			logger.Error("failed to record delivery", "error", err)
		}
		rcancel()
	}
	return rec
}

// Counts returns how many alerts were delivered and how many failed.
func (d *Dispatcher) Counts() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}
