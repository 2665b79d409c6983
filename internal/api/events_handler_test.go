package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/log"
)

func readSSE(t *testing.T, sc *bufio.Scanner, n int) []string {
	t.Helper()
	var types []string
	for len(types) < n && sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NoError(t, sc.Err())
	return types
}

func TestHandleEventsReplaysAndStreams(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypePing, map[string]any{"key": "a"})
	hub.Publish(events.TypeExpired, map[string]any{"key": "a"})

	s := New(Config{}, &fakeWatchdog{}, nil, hub, log.Discard())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, []string{events.TypeExpired}, readSSE(t, sc, 1))

	hub.Publish(events.TypeDelivered, map[string]any{"key": "a"})
	assert.Equal(t, []string{events.TypeDelivered}, readSSE(t, sc, 1))
}

func TestHandleEventsDisabled(t *testing.T) {
	s := newTestServer(&fakeWatchdog{}, nil)
	rr := do(t, s, http.MethodGet, "/events")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestParseLastEventID(t *testing.T) {
	assert.EqualValues(t, 0, parseLastEventID(""))
	assert.EqualValues(t, 0, parseLastEventID("abc"))
	assert.EqualValues(t, 0, parseLastEventID("-4"))
	assert.EqualValues(t, 42, parseLastEventID("42"))
}

func TestWriteSSE(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, writeSSE(rr, events.Event{ID: 7, Type: events.TypePing, Data: []byte(`{"key":"a"}`)}))
	assert.Equal(t, "id: 7\nevent: watchdog.ping\ndata: {\"key\":\"a\"}\n\n", rr.Body.String())
}
