// Package notifier implements the alert sinks invoked when a heartbeat key
// misses its deadline.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/deadman/internal/config"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/mattjoyce/deadman/internal/notifier Notifier

// Notifier delivers a missed-deadline alert for key to an external system.
type Notifier interface {
	NotifyFailure(ctx context.Context, key string) error
	Name() string
}

// Kind is the closed set of notifiers selectable from configuration.
type Kind string

const (
	KindWebhook Kind = config.NotifierWebhook
	KindNoop    Kind = config.NotifierNoop
)

// New builds the notifier selected by nc. Errors are configuration errors and
// are meant to abort startup.
func New(nc config.NotifierConfig, service string) (Notifier, error) {
	switch Kind(nc.Type) {
	case KindWebhook:
		if nc.Webhook == nil {
			return nil, fmt.Errorf("no webhook settings found")
		}
		return NewWebhook(*nc.Webhook, service)
	case KindNoop:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported notifier: %s", nc.Type)
	}
}

// Nop is a notifier that always succeeds without doing any I/O.
type Nop struct{}

func (Nop) NotifyFailure(_ context.Context, _ string) error { return nil }
func (Nop) Name() string                                    { return string(KindNoop) }

// DryRun logs each alert instead of delivering it. It keeps only a counter,
// so it is safe to leave running.
type DryRun struct {
	logger *slog.Logger
	count  atomic.Int64
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) NotifyFailure(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := d.count.Add(1)
	d.logger.Info("dry run: alert not delivered", "key", key, "total", n)
	return nil
}

func (d *DryRun) Name() string { return "dry-run" }

// Count returns how many alerts were swallowed.
func (d *DryRun) Count() int64 { return d.count.Load() }

// Recorder is an in-memory notifier that remembers every key it was asked to
// notify. Failures can be injected per key.
type Recorder struct {
	mu       sync.Mutex
	keys     []string
	failures map[string]error
}

func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]error)}
}

// FailFor makes every notification for key return err. A nil err clears it.
func (r *Recorder) FailFor(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, key)
		return
	}
	r.failures[key] = err
}

func (r *Recorder) NotifyFailure(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.failures[key]
}

func (r *Recorder) Name() string { return "recorder" }

// Keys returns every notified key in call order, failed attempts included.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Count returns how many times key was notified.
func (r *Recorder) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.keys {
		if k == key {
			n++
		}
	}
	return n
}
