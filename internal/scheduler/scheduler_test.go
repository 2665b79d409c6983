package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.LessOrEqual(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestSchedulerPrunesOnInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	logger, _ := NewTestSlogger()
	hub := events.NewHub(16)

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	retention := 24 * time.Hour

	swept := make(chan time.Time, 4)
	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cutoff time.Time) (int64, error) {
			swept <- cutoff
			return 3, nil
		}).Times(2)

	s := New(Config{Interval: time.Hour, Retention: retention}, pruner, hub, logger).WithClock(mock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	first := <-swept
	assert.Equal(t, mock.Now().Add(-retention), first)

	mock.Add(time.Hour)
	select {
	case second := <-swept:
		assert.Equal(t, first.Add(time.Hour), second)
	case <-time.After(2 * time.Second):
		t.Fatal("second sweep did not run")
	}

	s.Stop()
	assert.Equal(t, 2, hub.CountByType(events.TypeHistoryPruned))
}

func TestSchedulerZeroIntervalSweepsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	logger, buf := NewTestSlogger()

	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(0), nil).Times(1)

	s := New(Config{Retention: time.Hour}, pruner, nil, logger)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Contains(t, buf.String(), "history sweep found nothing to prune")
}

func TestSchedulerDisabledRetention(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	logger, _ := NewTestSlogger()

	s := New(Config{Interval: time.Minute}, pruner, nil, logger)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestSchedulerLogsPruneErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	logger, buf := NewTestSlogger()
	hub := events.NewHub(16)

	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("database is locked"))

	s := New(Config{Retention: time.Hour}, pruner, hub, logger)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Contains(t, buf.String(), "failed to prune alert history")
	assert.Contains(t, buf.String(), "database is locked")
	assert.Zero(t, hub.CountByType(events.TypeHistoryPruned))
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	logger, _ := NewTestSlogger()

	swept := make(chan struct{}, 1)
	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, time.Time) (int64, error) {
			swept <- struct{}{}
			return 0, nil
		})

	s := New(Config{Interval: time.Hour, Retention: time.Hour}, pruner, nil, logger).WithClock(clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	<-swept
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
