package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertQueueReject(t *testing.T) {
	q := newAlertQueue(1, OverflowReject)
	ok, evicted := q.push(Alert{ID: "1"}, nil)
	require.True(t, ok)
	assert.Nil(t, evicted)

	ok, evicted = q.push(Alert{ID: "2"}, nil)
	assert.False(t, ok)
	assert.Nil(t, evicted)
	assert.Equal(t, "1", (<-q.ch).ID)
}

func TestAlertQueueDropOldest(t *testing.T) {
	q := newAlertQueue(2, OverflowDropOldest)
	for _, id := range []string{"1", "2"} {
		ok, evicted := q.push(Alert{ID: id}, nil)
		require.True(t, ok)
		require.Nil(t, evicted)
	}

	ok, evicted := q.push(Alert{ID: "3"}, nil)
	require.True(t, ok)
	require.NotNil(t, evicted)
	assert.Equal(t, "1", evicted.ID)

	assert.Equal(t, "2", (<-q.ch).ID)
	assert.Equal(t, "3", (<-q.ch).ID)
}

func TestAlertQueueBlock(t *testing.T) {
	q := newAlertQueue(1, OverflowBlock)
	done := make(chan struct{})

	ok, _ := q.push(Alert{ID: "1"}, done)
	require.True(t, ok)

	pushed := make(chan bool, 1)
	go func() {
		ok, _ := q.push(Alert{ID: "2"}, done)
		pushed <- ok
	}()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, "1", (<-q.ch).ID)
	assert.True(t, <-pushed)
	assert.Equal(t, "2", (<-q.ch).ID)
}

func TestAlertQueueBlockGivesUpWhenDone(t *testing.T) {
	q := newAlertQueue(1, OverflowBlock)
	done := make(chan struct{})
	ok, _ := q.push(Alert{ID: "1"}, done)
	require.True(t, ok)

	close(done)
	ok, _ = q.push(Alert{ID: "2"}, done)
	assert.False(t, ok)
}

func TestOverflowValidate(t *testing.T) {
	for _, o := range []Overflow{OverflowBlock, OverflowDropOldest, OverflowReject} {
		assert.NoError(t, o.validate())
	}
	assert.Error(t, Overflow("").validate())
}
