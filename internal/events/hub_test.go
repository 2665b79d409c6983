package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingBufferOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypePing, map[string]any{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(snap[2].Data, &data))
	assert.Equal(t, float64(4), data["n"])
}

func TestHubSnapshotSince(t *testing.T) {
	h := NewHub(10)
	h.Publish(TypePing, nil)
	h.Publish(TypeExpired, nil)
	h.Publish(TypeDelivered, nil)

	snap := h.SnapshotSince(1)
	require.Len(t, snap, 2)
	assert.Equal(t, TypeExpired, snap[0].Type)
	assert.Equal(t, "{}", string(snap[0].Data))
	assert.Equal(t, 1, h.CountByType(TypeDelivered))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(TypeFailed, map[string]string{"key": "svc-a"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscription")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	// cancel twice is harmless
	cancel()
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypePing, nil) })
}

func TestHubConcurrentPublishDeliversIDsInOrder(t *testing.T) {
	const (
		publishers = 16
		perPub     = 500
	)
	h := NewHub(64)
	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	var (
		received int
		outOfOrd int
	)
	go func() {
		defer close(done)
		var lastID int64
		for ev := range ch {
			if ev.ID <= lastID {
				outOfOrd++
			}
			lastID = ev.ID
			received++
		}
	}()

	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPub {
				h.Publish(TypePing, map[string]int{"p": p, "i": i})
			}
		}()
	}
	wg.Wait()
	cancel()
	<-done

	assert.Zero(t, outOfOrd, "subscriber saw IDs out of order")
	assert.Positive(t, received)

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 64)
	for i := 1; i < len(snap); i++ {
		assert.Equal(t, snap[i-1].ID+1, snap[i].ID)
	}
	assert.Equal(t, int64(publishers*perPub), snap[len(snap)-1].ID)
}
