package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete deadman configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api"`
	Notifier NotifierConfig `yaml:"notifier"`
	History  HistoryConfig  `yaml:"history"`
}

// ServiceConfig defines core watchdog settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	PingQueueSize   int           `yaml:"ping_queue_size"`
	AlertQueueSize  int           `yaml:"alert_queue_size"`
	AlertOverflow   string        `yaml:"alert_overflow"` // block, drop_oldest, reject
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	LockPath        string        `yaml:"lock_path"`
}

// APIConfig defines the HTTP ingestion server settings.
type APIConfig struct {
	Listen         string        `yaml:"listen"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// NotifierConfig selects and configures the alert sink.
type NotifierConfig struct {
	Type    string         `yaml:"type"` // webhook, noop
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
}

// WebhookConfig defines the outbound webhook request.
type WebhookConfig struct {
	// URL may contain a {key} placeholder.
	URL     string        `yaml:"url"`
	Method  string        `yaml:"method"`
	Headers []Header      `yaml:"headers,omitempty"`
	Secret  string        `yaml:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Header is a single (name, value) pair. Order is preserved on the wire.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// UnmarshalYAML accepts both {name: X, value: Y} and the tuple form [X, Y].
func (h *Header) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: header tuple must have exactly 2 elements, got %d", node.Line, len(node.Content))
		}
		h.Name = node.Content[0].Value
		h.Value = node.Content[1].Value
		return nil
	case yaml.MappingNode:
		type plain Header
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*h = Header(p)
		return nil
	default:
		return fmt.Errorf("line %d: header must be a mapping or a [name, value] pair", node.Line)
	}
}

// HistoryConfig defines the alert delivery log.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // 0 keeps everything

	// PruneInterval is how often deliveries older than Retention are deleted.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Notifier kinds accepted by notifier.type.
const (
	NotifierWebhook = "webhook"
	NotifierNoop    = "noop"
)

// Alert overflow policies accepted by service.alert_overflow.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// Defaults returns a Config with the reference defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "deadman",
			LogLevel:        "info",
			GracePeriod:     5 * time.Second,
			PingQueueSize:   32,
			AlertQueueSize:  256,
			AlertOverflow:   OverflowBlock,
			DeliveryTimeout: 10 * time.Second,
			LockPath:        "./data/deadman.lock",
		},
		API: APIConfig{
			Listen:         "127.0.0.1:3030",
			EnqueueTimeout: time.Second,
		},
		Notifier: NotifierConfig{
			Type: NotifierNoop,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/deadman.db",
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
	}
}

// DefaultWebhookMethod is used when webhook.method is empty.
const DefaultWebhookMethod = "POST"

// DefaultWebhookTimeout is used when webhook.timeout is zero.
const DefaultWebhookTimeout = 10 * time.Second
