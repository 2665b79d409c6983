package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deadman/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("noop", func(t *testing.T) {
		n, err := New(config.NotifierConfig{Type: "noop"}, "deadman")
		require.NoError(t, err)
		assert.Equal(t, "noop", n.Name())
		assert.NoError(t, n.NotifyFailure(context.Background(), "svc-a"))
	})

	t.Run("webhook", func(t *testing.T) {
		n, err := New(config.NotifierConfig{
			Type:    "webhook",
			Webhook: &config.WebhookConfig{URL: "http://localhost:1/hook"},
		}, "deadman")
		require.NoError(t, err)
		wh, ok := n.(*Webhook)
		require.True(t, ok)
		assert.Equal(t, "POST", wh.cfg.Method)
		assert.Equal(t, config.DefaultWebhookTimeout, wh.cfg.Timeout)
	})

	t.Run("webhook without settings", func(t *testing.T) {
		_, err := New(config.NotifierConfig{Type: "webhook"}, "deadman")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no webhook settings found")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := New(config.NotifierConfig{Type: "sms"}, "deadman")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported notifier: sms")
	})
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	boom := errors.New("boom")
	r.FailFor("k1", boom)

	ctx := context.Background()
	assert.ErrorIs(t, r.NotifyFailure(ctx, "k1"), boom)
	assert.NoError(t, r.NotifyFailure(ctx, "k2"))
	assert.NoError(t, r.NotifyFailure(ctx, "k2"))

	assert.Equal(t, []string{"k1", "k2", "k2"}, r.Keys())
	assert.Equal(t, 2, r.Count("k2"))

	r.FailFor("k1", nil)
	assert.NoError(t, r.NotifyFailure(ctx, "k1"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, r.NotifyFailure(cancelled, "k3"), context.Canceled)
	assert.Equal(t, 0, r.Count("k3"))
}

func TestDryRunLogsWithoutRetainingKeys(t *testing.T) {
	var buf bytes.Buffer
	d := NewDryRun(slog.New(slog.NewJSONHandler(&buf, nil)))
	assert.Equal(t, "dry-run", d.Name())

	ctx := context.Background()
	for range 1000 {
		require.NoError(t, d.NotifyFailure(ctx, "svc-a"))
	}
	assert.EqualValues(t, 1000, d.Count())

	first, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(first, &line))
	assert.Equal(t, "svc-a", line["key"])
	assert.EqualValues(t, 1, line["total"])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, d.NotifyFailure(cancelled, "svc-b"), context.Canceled)
	assert.EqualValues(t, 1000, d.Count())
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"key":"svc-a"}`)
	sig := Sign(body, "secret")

	assert.Contains(t, sig, "sha256=")
	assert.NoError(t, Verify(body, sig, "secret"))
	assert.NoError(t, Verify(body, sig[len("sha256="):], "secret"))
	assert.Error(t, Verify(body, sig, "other"))
	assert.Error(t, Verify([]byte(`{"key":"svc-b"}`), sig, "secret"))
	assert.Error(t, Verify(body, "sha256=zz", "secret"))
	assert.Error(t, Verify(body, "", "secret"))
}
