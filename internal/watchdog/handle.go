package watchdog

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// handle is the single scheduled expiry of one key.
type handle struct {
	key      string
	epoch    uint64
	issuedAt time.Time
	deadline time.Time

	state atomic.Int32

	// timer is only touched by the engine loop.
	timer *clock.Timer
}

// claim is called by the timer callback. Only the first of claim and cancel
// succeeds.
func (h *handle) claim() bool {
	return h.state.CompareAndSwap(statePending, stateFired)
}

// cancel prevents a pending handle from ever emitting. It reports false when
// the callback already claimed the handle.
func (h *handle) cancel() bool {
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

func (h *handle) fired() bool {
	return h.state.Load() == stateFired
}
