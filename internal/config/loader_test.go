package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file uses defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Second, cfg.Service.GracePeriod)
				assert.Equal(t, 32, cfg.Service.PingQueueSize)
				assert.Equal(t, 256, cfg.Service.AlertQueueSize)
				assert.Equal(t, OverflowBlock, cfg.Service.AlertOverflow)
				assert.Equal(t, NotifierNoop, cfg.Notifier.Type)
				assert.Equal(t, "127.0.0.1:3030", cfg.API.Listen)
				assert.True(t, cfg.History.Enabled)
			},
		},
		{
			name: "webhook with mapping headers",
			yaml: `
service:
  grace_period: 2s
  log_level: DEBUG
  alert_overflow: drop_oldest
notifier:
  type: webhook
  webhook:
    url: https://hooks.example.com/missed/{key}
    method: put
    headers:
      - name: X-First
        value: one
      - name: X-Second
        value: two
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2*time.Second, cfg.Service.GracePeriod)
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.Equal(t, OverflowDropOldest, cfg.Service.AlertOverflow)
				require.NotNil(t, cfg.Notifier.Webhook)
				assert.Equal(t, "PUT", cfg.Notifier.Webhook.Method)
				assert.Equal(t, DefaultWebhookTimeout, cfg.Notifier.Webhook.Timeout)
				assert.Equal(t, []Header{{"X-First", "one"}, {"X-Second", "two"}}, cfg.Notifier.Webhook.Headers)
			},
		},
		{
			name: "webhook with tuple headers",
			yaml: `
notifier:
  type: webhook
  webhook:
    url: http://localhost:9000/hook
    headers:
      - ["Content-Type", "application/json"]
      - ["X-Token", "abc"]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "POST", cfg.Notifier.Webhook.Method)
				assert.Equal(t, []Header{{"Content-Type", "application/json"}, {"X-Token", "abc"}}, cfg.Notifier.Webhook.Headers)
			},
		},
		{
			name: "json document",
			yaml: `{"service": {"grace_period": "3s"}, "notifier": {"type": "noop"}}`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3*time.Second, cfg.Service.GracePeriod)
			},
		},
		{
			name: "env interpolation",
			yaml: `
notifier:
  type: webhook
  webhook:
    url: https://hooks.example.com/x
    secret: ${DEADMAN_TEST_SECRET}
`,
			env: map[string]string{"DEADMAN_TEST_SECRET": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.Notifier.Webhook.Secret)
			},
		},
		{
			name: "history disabled",
			yaml: `
history:
  enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.History.Enabled)
			},
		},
		{
			name: "webhook without settings",
			yaml: `
notifier:
  type: webhook
`,
			wantErr: "no webhook settings found",
		},
		{
			name: "unsupported notifier",
			yaml: `
notifier:
  type: carrier-pigeon
`,
			wantErr: "unsupported notifier",
		},
		{
			name: "unresolved env var",
			yaml: `
notifier:
  type: webhook
  webhook:
    url: https://hooks.example.com/x
    secret: ${DEADMAN_TEST_UNSET_VAR}
`,
			wantErr: "${DEADMAN_TEST_UNSET_VAR} is not set",
		},
		{
			name: "bad url scheme",
			yaml: `
notifier:
  type: webhook
  webhook:
    url: ftp://hooks.example.com/x
`,
			wantErr: "must be http or https",
		},
		{
			name: "zero grace period",
			yaml: `
service:
  grace_period: 0s
`,
			wantErr: "grace_period must be positive",
		},
		{
			name: "bad overflow policy",
			yaml: `
service:
  alert_overflow: explode
`,
			wantErr: "alert_overflow",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: "log_level",
		},
		{
			name: "bad header tuple",
			yaml: `
notifier:
  type: webhook
  webhook:
    url: https://hooks.example.com/x
    headers:
      - ["only-one"]
`,
			wantErr: "exactly 2 elements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  grace_period: 7s\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Service.GracePeriod)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "config file not found"))
}

func TestDiscoverConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	t.Setenv("DEADMAN_CONFIG", path)

	got, err := DiscoverConfigPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
