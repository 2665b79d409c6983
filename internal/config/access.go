package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a deep copy with the webhook secret and header values
// masked, for printing.
func (c *Config) Redacted() *Config {
	out := *c
	if c.Notifier.Webhook != nil {
		wh := *c.Notifier.Webhook
		if wh.Secret != "" {
			wh.Secret = redacted
		}
		wh.Headers = make([]Header, len(c.Notifier.Webhook.Headers))
		for i, h := range c.Notifier.Webhook.Headers {
			wh.Headers[i] = Header{Name: h.Name, Value: redacted}
		}
		out.Notifier.Webhook = &wh
	}
	return &out
}

// GetPath retrieves a value from the redacted configuration using a
// dot-notation path such as "service.grace_period" or
// "notifier.webhook.headers.0.name". An empty path returns everything.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		switch node := current.(type) {
		case map[string]any:
			val, exists := node[part]
			if !exists {
				return nil, fmt.Errorf("path %q: key %q not found", path, part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index %q out of range", path, part)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q breaks at %q (not a map or list)", path, part)
		}
	}

	return current, nil
}
