package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, parses and validates the configuration at configPath.
// A directory is accepted and must contain config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) config bytes on top of Defaults, applies
// environment interpolation and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $DEADMAN_CONFIG, ./deadman.yaml, ~/.config/deadman/config.yaml, /etc/deadman/config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("DEADMAN_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{"./deadman.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "deadman", "config.yaml"))
	}
	candidates = append(candidates, "/etc/deadman/config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $DEADMAN_CONFIG, %s)", strings.Join(candidates, ", "))
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// ResolvePath returns the absolute config file Load would read for configPath.
func ResolvePath(configPath string) (string, error) {
	return resolveConfigFile(configPath)
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.AlertOverflow == "" {
		cfg.Service.AlertOverflow = defaults.Service.AlertOverflow
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Notifier.Type == "" {
		cfg.Notifier.Type = defaults.Notifier.Type
	}
	cfg.Notifier.Type = strings.ToLower(cfg.Notifier.Type)

	if wh := cfg.Notifier.Webhook; wh != nil {
		if wh.Method == "" {
			wh.Method = DefaultWebhookMethod
		}
		wh.Method = strings.ToUpper(wh.Method)
		if wh.Timeout == 0 {
			wh.Timeout = DefaultWebhookTimeout
		}
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.GracePeriod <= 0 {
		return fmt.Errorf("service.grace_period must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.PingQueueSize <= 0 {
		return fmt.Errorf("service.ping_queue_size must be positive")
	}
	if cfg.Service.AlertQueueSize <= 0 {
		return fmt.Errorf("service.alert_queue_size must be positive")
	}
	switch cfg.Service.AlertOverflow {
	case OverflowBlock, OverflowDropOldest, OverflowReject:
	default:
		return fmt.Errorf("service.alert_overflow must be one of: block, drop_oldest, reject (got %q)", cfg.Service.AlertOverflow)
	}
	if cfg.Service.DeliveryTimeout <= 0 {
		return fmt.Errorf("service.delivery_timeout must be positive")
	}

	if cfg.API.EnqueueTimeout < 0 {
		return fmt.Errorf("api.enqueue_timeout must not be negative")
	}

	if err := ValidateNotifier(cfg.Notifier); err != nil {
		return err
	}

	if cfg.History.Enabled && cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}
	if cfg.History.Enabled && cfg.History.PruneInterval < 0 {
		return fmt.Errorf("history.prune_interval must not be negative")
	}

	return nil
}

// ValidateNotifier checks the notifier section. Errors here are fatal at startup.
func ValidateNotifier(nc NotifierConfig) error {
	switch nc.Type {
	case NotifierNoop:
		return nil
	case NotifierWebhook:
		wh := nc.Webhook
		if wh == nil {
			return fmt.Errorf("notifier.webhook: no webhook settings found")
		}
		if wh.URL == "" {
			return fmt.Errorf("notifier.webhook.url is required")
		}
		if err := unresolvedEnv("notifier.webhook.url", wh.URL); err != nil {
			return err
		}
		u, err := url.Parse(strings.ReplaceAll(wh.URL, "{key}", "key"))
		if err != nil {
			return fmt.Errorf("notifier.webhook.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("notifier.webhook.url must be http or https (got %q)", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("notifier.webhook.url has no host")
		}
		if strings.ContainsAny(wh.Method, " \t\r\n") || wh.Method == "" {
			return fmt.Errorf("notifier.webhook.method is invalid: %q", wh.Method)
		}
		if err := unresolvedEnv("notifier.webhook.secret", wh.Secret); err != nil {
			return err
		}
		for i, h := range wh.Headers {
			if h.Name == "" {
				return fmt.Errorf("notifier.webhook.headers[%d].name is required", i)
			}
			if err := unresolvedEnv(fmt.Sprintf("notifier.webhook.headers[%d].value", i), h.Value); err != nil {
				return err
			}
		}
		if wh.Timeout < 0 {
			return fmt.Errorf("notifier.webhook.timeout must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("notifier.type: unsupported notifier: %q", nc.Type)
	}
}

func unresolvedEnv(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
