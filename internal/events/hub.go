// Package events is the in-memory operational event stream: the engine and the
// dispatcher publish, SSE clients and the watch TUI subscribe.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by deadman components.
const (
	TypePing          = "watchdog.ping"
	TypeExpired       = "watchdog.expired"
	TypeForgotten     = "watchdog.forgotten"
	TypeAlertDropped  = "watchdog.alert_dropped"
	TypeDelivered     = "alert.delivered"
	TypeFailed        = "alert.failed"
	TypeHistoryPruned = "history.pruned"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. A nil Hub is a no-op so
// components can be built without one.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	// IDs are assigned under the lock so subscribers see them in order.
	h.mu.Lock()
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block the watchdog.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel func unregisters
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// CountByType counts buffered events of the given type.
func (h *Hub) CountByType(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for i := 0; i < h.size; i++ {
		if h.ring[(h.start+i)%len(h.ring)].Type == eventType {
			n++
		}
	}
	return n
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)

	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
