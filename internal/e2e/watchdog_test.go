// Package e2e drives a full deadman stack over HTTP: pings in through the
// API, alerts out through a real webhook notifier, deliveries recorded in
// SQLite.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deadman/internal/api"
	"github.com/mattjoyce/deadman/internal/config"
	"github.com/mattjoyce/deadman/internal/dispatch"
	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/history"
	"github.com/mattjoyce/deadman/internal/log"
	"github.com/mattjoyce/deadman/internal/notifier"
	"github.com/mattjoyce/deadman/internal/storage"
	"github.com/mattjoyce/deadman/internal/watchdog"
)

const secret = "e2e-secret"

type received struct {
	path    string
	payload notifier.Payload
	signed  bool
}

type sink struct {
	mu   sync.Mutex
	reqs []received
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var p notifier.Payload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		signed := notifier.Verify(body, r.Header.Get(notifier.HeaderSignature), secret) == nil

		s.mu.Lock()
		s.reqs = append(s.reqs, received{path: r.URL.Path, payload: p, signed: signed})
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *sink) snapshot() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.reqs...)
}

type stack struct {
	clock  *clock.Mock
	engine *watchdog.Engine
	store  *history.Store
	hub    *events.Hub
	api    *httptest.Server
	sink   *sink
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log.Setup("ERROR")

	s := &stack{clock: clock.NewMock(), sink: &sink{}, hub: events.NewHub(64)}

	hook := httptest.NewServer(s.sink.handler(t))
	t.Cleanup(hook.Close)

	n, err := notifier.New(config.NotifierConfig{
		Type: config.NotifierWebhook,
		Webhook: &config.WebhookConfig{
			URL:     hook.URL + "/missed/{key}",
			Method:  "POST",
			Secret:  secret,
			Timeout: 2 * time.Second,
		},
	}, "e2e")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "deadman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s.store = history.NewStore(db)

	s.engine, err = watchdog.New(watchdog.Config{
		GracePeriod:    5 * time.Second,
		PingQueueSize:  16,
		AlertQueueSize: 16,
		Overflow:       watchdog.OverflowBlock,
	}, watchdog.WithClock(s.clock), watchdog.WithEvents(s.hub))
	require.NoError(t, err)

	disp := dispatch.New(n, s.engine.Alerts(),
		dispatch.WithRecorder(s.store),
		dispatch.WithEvents(s.hub),
		dispatch.WithTimeout(2*time.Second),
	)

	srv := api.New(api.Config{EnqueueTimeout: time.Second}, s.engine, s.store, s.hub, log.WithComponent("api"))
	s.api = httptest.NewServer(srv.Handler())
	t.Cleanup(s.api.Close)

	go func() { _ = s.engine.Run(ctx) }()
	go func() { _ = disp.Start(ctx) }()
	return s
}

func (s *stack) ping(t *testing.T, key string) {
	t.Helper()
	resp, err := http.Post(s.api.URL+"/ping/"+key, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// waitPings blocks until the engine has applied n pings for key, so the
// renewal timer exists before the mock clock moves.
func (s *stack) waitPings(t *testing.T, key string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		ks, err := s.engine.Keys(context.Background())
		if err != nil {
			return false
		}
		for _, k := range ks {
			if k.Key == key {
				return k.Pings == n
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func (s *stack) waitDeliveries(t *testing.T, n int) []received {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sink.snapshot()) >= n }, 3*time.Second, 5*time.Millisecond)
	return s.sink.snapshot()
}

func getJSON[T any](t *testing.T, url string) T {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSilentKeyRaisesSignedWebhook(t *testing.T) {
	s := newStack(t)

	s.ping(t, "svc-a")
	s.waitPings(t, "svc-a", 1)

	s.clock.Add(4 * time.Second)
	assert.Empty(t, s.sink.snapshot(), "no alert before the grace period")

	s.clock.Add(time.Second)
	got := s.waitDeliveries(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "/missed/svc-a", got[0].path)
	assert.Equal(t, "svc-a", got[0].payload.Key)
	assert.Equal(t, "missed_ping", got[0].payload.Event)
	assert.Equal(t, "e2e", got[0].payload.Service)
	assert.True(t, got[0].signed, "signature should verify with the shared secret")

	// The expired key is pruned once its alert is out.
	require.Eventually(t, func() bool {
		return len(getJSON[api.KeysResponse](t, s.api.URL+"/keys").Keys) == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(getJSON[api.AlertsResponse](t, s.api.URL+"/alerts").Alerts) == 1
	}, 2*time.Second, 5*time.Millisecond)
	alerts := getJSON[api.AlertsResponse](t, s.api.URL+"/alerts").Alerts
	assert.Equal(t, "svc-a", alerts[0].Key)
	assert.Equal(t, history.StatusDelivered, alerts[0].Status)
	assert.Equal(t, "webhook", alerts[0].Notifier)
}

func TestRenewedKeyAlertsOnceAfterLastPing(t *testing.T) {
	s := newStack(t)

	// Pings at 0s, 2s, 4s and 6s; the alert is due at 11s.
	for i := int64(1); i <= 4; i++ {
		s.ping(t, "svc-b")
		s.waitPings(t, "svc-b", i)
		if i < 4 {
			s.clock.Add(2 * time.Second)
		}
	}

	s.clock.Add(4 * time.Second)
	assert.Empty(t, s.sink.snapshot(), "renewed key must not alert early")

	s.clock.Add(time.Second)
	got := s.waitDeliveries(t, 1)
	assert.Equal(t, "svc-b", got[0].payload.Key)

	s.clock.Add(time.Minute)
	assert.Never(t, func() bool { return len(s.sink.snapshot()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	health := getJSON[api.HealthzResponse](t, s.api.URL+"/healthz")
	assert.Equal(t, int64(4), health.PingsAccepted)
	assert.Equal(t, int64(1), health.AlertsEmitted)
}

func TestIndependentKeys(t *testing.T) {
	s := newStack(t)

	s.ping(t, "svc-a")
	s.waitPings(t, "svc-a", 1)
	s.clock.Add(3 * time.Second)
	s.ping(t, "svc-b")
	s.waitPings(t, "svc-b", 1)

	s.clock.Add(2 * time.Second)
	got := s.waitDeliveries(t, 1)
	assert.Equal(t, "svc-a", got[0].payload.Key)

	var keys api.KeysResponse
	require.Eventually(t, func() bool {
		keys = getJSON[api.KeysResponse](t, s.api.URL+"/keys")
		return len(keys.Keys) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "svc-b", keys.Keys[0].Key)

	s.clock.Add(3 * time.Second)
	got = s.waitDeliveries(t, 2)
	assert.Equal(t, "svc-b", got[1].payload.Key)
}

func TestForgottenKeyNeverAlerts(t *testing.T) {
	s := newStack(t)

	s.ping(t, "batch-job")
	s.waitPings(t, "batch-job", 1)

	req, err := http.NewRequest(http.MethodDelete, s.api.URL+"/ping/batch-job", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.clock.Add(10 * time.Second)
	assert.Never(t, func() bool { return len(s.sink.snapshot()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, s.hub.CountByType(events.TypeForgotten))
}

func TestEscapedKeyRoundTrip(t *testing.T) {
	s := newStack(t)

	s.ping(t, "host%2Fdisk")
	s.waitPings(t, "host/disk", 1)

	s.clock.Add(5 * time.Second)
	got := s.waitDeliveries(t, 1)
	assert.Equal(t, "host/disk", got[0].payload.Key)
	assert.Equal(t, "/missed/host/disk", got[0].path)
}
