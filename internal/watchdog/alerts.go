package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/deadman/internal/config"
)

// Alert is emitted once per missed deadline.
type Alert struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Epoch    uint64    `json:"epoch"`
	LastPing time.Time `json:"last_ping"`
	Deadline time.Time `json:"deadline"`
	FiredAt  time.Time `json:"fired_at"`
}

// Overflow decides what happens when the alert queue is full.
type Overflow string

const (
	// OverflowBlock makes the firing goroutine wait for room.
	OverflowBlock Overflow = config.OverflowBlock
	// OverflowDropOldest evicts the oldest queued alert.
	OverflowDropOldest Overflow = config.OverflowDropOldest
	// OverflowReject drops the new alert.
	OverflowReject Overflow = config.OverflowReject
)

func (o Overflow) validate() error {
	switch o {
	case OverflowBlock, OverflowDropOldest, OverflowReject:
		return nil
	default:
		return fmt.Errorf("unknown alert overflow policy %q", string(o))
	}
}

type alertQueue struct {
	ch     chan Alert
	policy Overflow

	// mu serializes drop_oldest producers so evict+push stays paired.
	mu sync.Mutex
}

func newAlertQueue(size int, policy Overflow) *alertQueue {
	return &alertQueue{
		ch:     make(chan Alert, size),
		policy: policy,
	}
}

// push enqueues a under the overflow policy. It returns whether a was queued
// and, for drop_oldest, the alert that was evicted to make room.
func (q *alertQueue) push(a Alert, done <-chan struct{}) (accepted bool, evicted *Alert) {
	switch q.policy {
	case OverflowReject:
		select {
		case q.ch <- a:
			return true, nil
		default:
			return false, nil
		}

	case OverflowDropOldest:
		q.mu.Lock()
		defer q.mu.Unlock()
		for {
			select {
			case q.ch <- a:
				return true, evicted
			default:
			}
			select {
			case old := <-q.ch:
				evicted = &old
			default:
			}
		}

	default:
		select {
		case q.ch <- a:
			return true, nil
		case <-done:
			return false, nil
		}
	}
}

func (q *alertQueue) len() int { return len(q.ch) }
