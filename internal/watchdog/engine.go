package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/mattjoyce/deadman/internal/config"
	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/log"
)

// Config sizes and times the engine.
type Config struct {
	GracePeriod    time.Duration
	PingQueueSize  int
	AlertQueueSize int
	Overflow       Overflow
}

// FromServiceConfig maps the service section of the config file.
func FromServiceConfig(sc config.ServiceConfig) Config {
	return Config{
		GracePeriod:    sc.GracePeriod,
		PingQueueSize:  sc.PingQueueSize,
		AlertQueueSize: sc.AlertQueueSize,
		Overflow:       Overflow(sc.AlertOverflow),
	}
}

func (c Config) validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.GracePeriod)
	}
	if c.PingQueueSize <= 0 {
		return fmt.Errorf("ping queue size must be positive, got %d", c.PingQueueSize)
	}
	if c.AlertQueueSize <= 0 {
		return fmt.Errorf("alert queue size must be positive, got %d", c.AlertQueueSize)
	}
	return c.Overflow.validate()
}

// KeyStatus is a point-in-time view of one tracked key.
type KeyStatus struct {
	Key       string    `json:"key"`
	Epoch     uint64    `json:"epoch"`
	FirstSeen time.Time `json:"first_seen"`
	LastPing  time.Time `json:"last_ping"`
	Deadline  time.Time `json:"deadline"`
	Pings     int64     `json:"pings"`
	Expired   bool      `json:"expired"`
}

// Stats are cumulative engine counters.
type Stats struct {
	TrackedKeys    int64 `json:"tracked_keys"`
	PingsAccepted  int64 `json:"pings_accepted"`
	PingsRejected  int64 `json:"pings_rejected"`
	AlertsEmitted  int64 `json:"alerts_emitted"`
	AlertsDropped  int64 `json:"alerts_dropped"`
	AlertsQueued   int   `json:"alerts_queued"`
	LateRenewals   int64 `json:"late_renewals"`
	PrunedKeys     int64 `json:"pruned_keys"`
	ForgottenKeys  int64 `json:"forgotten_keys"`
	PingQueueDepth int   `json:"ping_queue_depth"`
}

type entry struct {
	handle    *handle
	firstSeen time.Time
	pings     int64
}

type expiry struct {
	key   string
	epoch uint64
}

type snapshotRequest struct {
	resp chan []KeyStatus
}

type forgetRequest struct {
	key  string
	resp chan bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEvents publishes ping, expiry and drop events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(e *Engine) { e.events = hub }
}

// Engine tracks keys and emits an Alert for every missed deadline.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	events *events.Hub

	pings     chan string
	expiries  chan expiry
	snapshots chan snapshotRequest
	forgets   chan forgetRequest
	alerts    *alertQueue

	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	// epoch is owned by the loop.
	epoch uint64

	trackedKeys   atomic.Int64
	pingsAccepted atomic.Int64
	pingsRejected atomic.Int64
	alertsEmitted atomic.Int64
	alertsDropped atomic.Int64
	lateRenewals  atomic.Int64
	prunedKeys    atomic.Int64
	forgottenKeys atomic.Int64
}

// New builds an engine. Nothing is scheduled until Run is called.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("watchdog config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		clock:     clock.New(),
		pings:     make(chan string, cfg.PingQueueSize),
		expiries:  make(chan expiry),
		snapshots: make(chan snapshotRequest),
		forgets:   make(chan forgetRequest),
		alerts:    newAlertQueue(cfg.AlertQueueSize, cfg.Overflow),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithComponent("watchdog")
	}
	return e, nil
}

// GracePeriod returns the configured deadline offset.
func (e *Engine) GracePeriod() time.Duration { return e.cfg.GracePeriod }

// Alerts is the receive side of the alert queue. It is never closed.
func (e *Engine) Alerts() <-chan Alert { return e.alerts.ch }

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

// RegisterPing records a heartbeat for key. It never blocks on the registry,
// only on the bounded ping queue, and then no longer than ctx allows.
func (e *Engine) RegisterPing(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	select {
	case <-e.done:
		e.pingsRejected.Add(1)
		return ErrStopped
	default:
	}

	select {
	case e.pings <- key:
		e.pingsAccepted.Add(1)
		return nil
	default:
	}

	select {
	case e.pings <- key:
		e.pingsAccepted.Add(1)
		return nil
	case <-e.done:
		e.pingsRejected.Add(1)
		return ErrStopped
	case <-ctx.Done():
		e.pingsRejected.Add(1)
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

// Keys returns the tracked keys sorted by name.
func (e *Engine) Keys(ctx context.Context) ([]KeyStatus, error) {
	req := snapshotRequest{resp: make(chan []KeyStatus, 1)}
	select {
	case e.snapshots <- req:
	case <-e.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ks := <-req.resp:
		return ks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget cancels key's pending deadline and removes it. It reports whether
// the key was tracked.
func (e *Engine) Forget(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	req := forgetRequest{key: key, resp: make(chan bool, 1)}
	select {
	case e.forgets <- req:
	case <-e.done:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-req.resp:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		TrackedKeys:    e.trackedKeys.Load(),
		PingsAccepted:  e.pingsAccepted.Load(),
		PingsRejected:  e.pingsRejected.Load(),
		AlertsEmitted:  e.alertsEmitted.Load(),
		AlertsDropped:  e.alertsDropped.Load(),
		AlertsQueued:   e.alerts.len(),
		LateRenewals:   e.lateRenewals.Load(),
		PrunedKeys:     e.prunedKeys.Load(),
		ForgottenKeys:  e.forgottenKeys.Load(),
		PingQueueDepth: len(e.pings),
	}
}

// Run owns the registry until ctx is done. Pending deadlines are cancelled on
// return and the engine cannot be started again.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	registry := make(map[string]*entry)
	defer e.shutdown(registry)

	e.logger.Info("watchdog started",
		"grace_period", e.cfg.GracePeriod,
		"ping_queue", e.cfg.PingQueueSize,
		"alert_queue", e.cfg.AlertQueueSize,
		"overflow", string(e.cfg.Overflow),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("watchdog stopping", "tracked_keys", len(registry))
			return ctx.Err()

		case key := <-e.pings:
			e.renew(registry, key)

		case x := <-e.expiries:
			e.prune(registry, x)

		case req := <-e.snapshots:
			req.resp <- snapshot(registry)

		case req := <-e.forgets:
			req.resp <- e.forget(registry, req.key)
		}
		e.trackedKeys.Store(int64(len(registry)))
	}
}

func (e *Engine) shutdown(registry map[string]*entry) {
	for _, ent := range registry {
		ent.handle.cancel()
	}
	e.trackedKeys.Store(0)
	e.doneOnce.Do(func() { close(e.done) })
}

// renew replaces key's handle with a fresh one. Cancel comes first so the old
// handle can never fire after the new one is installed.
func (e *Engine) renew(registry map[string]*entry, key string) {
	now := e.clock.Now()

	ent, ok := registry[key]
	if ok {
		if !ent.handle.cancel() && ent.handle.fired() {
			e.lateRenewals.Add(1)
			log.WithKey(e.logger, key).Info("ping after deadline; alert already raised",
				"epoch", ent.handle.epoch)
		}
	} else {
		ent = &entry{firstSeen: now}
		registry[key] = ent
	}

	e.epoch++
	h := &handle{
		key:      key,
		epoch:    e.epoch,
		issuedAt: now,
		deadline: now.Add(e.cfg.GracePeriod),
	}
	h.timer = e.clock.AfterFunc(e.cfg.GracePeriod, func() { e.expire(h) })
	ent.handle = h
	ent.pings++

	e.logger.Debug("ping", "key", key, "epoch", h.epoch, "deadline", h.deadline)
	e.events.Publish(events.TypePing, map[string]any{
		"key":      key,
		"epoch":    h.epoch,
		"deadline": h.deadline,
	})
}

// expire runs on the timer goroutine and must not touch the registry.
func (e *Engine) expire(h *handle) {
	if !h.claim() {
		return
	}

	a := Alert{
		ID:       uuid.NewString(),
		Key:      h.key,
		Epoch:    h.epoch,
		LastPing: h.issuedAt,
		Deadline: h.deadline,
		FiredAt:  e.clock.Now(),
	}
	e.alertsEmitted.Add(1)
	log.WithAlert(e.logger, a.ID, a.Key).Warn("missed ping",
		"epoch", a.Epoch, "last_ping", a.LastPing)
	e.events.Publish(events.TypeExpired, a)

	accepted, evicted := e.alerts.push(a, e.done)
	if evicted != nil {
		e.dropped(*evicted, "evicted by newer alert")
	}
	if !accepted {
		reason := "alert queue full"
		if e.cfg.Overflow == OverflowBlock {
			reason = "engine stopped"
		}
		e.dropped(a, reason)
	}

	select {
	case e.expiries <- expiry{key: h.key, epoch: h.epoch}:
	case <-e.done:
	}
}

func (e *Engine) dropped(a Alert, reason string) {
	e.alertsDropped.Add(1)
	log.WithAlert(e.logger, a.ID, a.Key).Error("alert dropped", "reason", reason)
	e.events.Publish(events.TypeAlertDropped, map[string]any{
		"id":     a.ID,
		"key":    a.Key,
		"reason": reason,
	})
}

// prune removes a key whose installed handle is the one that fired.
func (e *Engine) prune(registry map[string]*entry, x expiry) {
	ent, ok := registry[x.key]
	if !ok || ent.handle.epoch != x.epoch {
		return
	}
	delete(registry, x.key)
	e.prunedKeys.Add(1)
	e.logger.Debug("pruned expired key", "key", x.key, "epoch", x.epoch)
}

func (e *Engine) forget(registry map[string]*entry, key string) bool {
	ent, ok := registry[key]
	if !ok {
		return false
	}
	ent.handle.cancel()
	delete(registry, key)
	e.forgottenKeys.Add(1)
	log.WithKey(e.logger, key).Info("key forgotten")
	e.events.Publish(events.TypeForgotten, map[string]any{"key": key})
	return true
}

func snapshot(registry map[string]*entry) []KeyStatus {
	out := make([]KeyStatus, 0, len(registry))
	for key, ent := range registry {
		out = append(out, KeyStatus{
			Key:       key,
			Epoch:     ent.handle.epoch,
			FirstSeen: ent.firstSeen,
			LastPing:  ent.handle.issuedAt,
			Deadline:  ent.handle.deadline,
			Pings:     ent.pings,
			Expired:   ent.handle.fired(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
