// Package doctor reports on a deadman configuration without starting it.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/deadman/internal/config"
	"github.com/mattjoyce/deadman/internal/lock"
)

const (
	shortGrace = time.Second
	longGrace  = 24 * time.Hour
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Path        string  `json:"path,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// CheckFile loads the config at path (discovering it when empty) and
// validates it. Load failures become errors in the result.
func CheckFile(path string) *Result {
	r := &Result{}
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			r.Errors = append(r.Errors, Issue{Category: "config", Message: err.Error()})
			return r
		}
		path = discovered
	}

	resolved, err := config.ResolvePath(path)
	if err != nil {
		r.Errors = append(r.Errors, Issue{Category: "config", Message: err.Error()})
		return r
	}
	r.Path = resolved

	cfg, err := config.Load(resolved)
	if err != nil {
		r.Errors = append(r.Errors, Issue{Category: "config", Message: err.Error()})
		return r
	}
	if fp, err := config.Fingerprint(resolved); err == nil {
		r.Fingerprint = fp
	}

	v := New(cfg).Validate()
	r.Valid = v.Valid
	r.Errors = v.Errors
	r.Warnings = v.Warnings
	return r
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateAPI(r)
	d.validateNotifier(r)
	d.validateHistory(r)
	d.warnRunningInstance(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	svc := d.cfg.Service
	switch {
	case svc.GracePeriod <= 0:
		d.addError(r, "service", "service.grace_period", "grace_period must be positive")
	case svc.GracePeriod < shortGrace:
		d.addWarning(r, "service", "service.grace_period",
			fmt.Sprintf("grace_period %s is very short; ordinary network jitter may raise false alerts", svc.GracePeriod))
	case svc.GracePeriod > longGrace:
		d.addWarning(r, "service", "service.grace_period",
			fmt.Sprintf("grace_period %s is longer than a day; timers do not survive restarts", svc.GracePeriod))
	}

	if svc.PingQueueSize <= 0 {
		d.addError(r, "service", "service.ping_queue_size", "ping_queue_size must be positive")
	}
	if svc.AlertQueueSize <= 0 {
		d.addError(r, "service", "service.alert_queue_size", "alert_queue_size must be positive")
	}

	switch svc.AlertOverflow {
	case config.OverflowBlock:
	case config.OverflowDropOldest, config.OverflowReject:
		d.addWarning(r, "service", "service.alert_overflow",
			fmt.Sprintf("alert_overflow %q can discard alerts when the notifier falls behind", svc.AlertOverflow))
	default:
		d.addError(r, "service", "service.alert_overflow",
			fmt.Sprintf("unknown alert_overflow %q", svc.AlertOverflow))
	}

	if svc.DeliveryTimeout <= 0 {
		d.addError(r, "service", "service.delivery_timeout", "delivery_timeout must be positive")
	}
	if svc.LockPath == "" {
		d.addWarning(r, "service", "service.lock_path", "no lock_path; two instances could run side by side")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	listen := d.cfg.API.Listen
	if listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required")
		return
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("listening on %q without caller authentication; anyone who can reach it can ping or forget keys", listen))
	}
	if d.cfg.API.EnqueueTimeout < 0 {
		d.addError(r, "api", "api.enqueue_timeout", "enqueue_timeout must not be negative")
	}
}

func (d *Doctor) validateNotifier(r *Result) {
	nc := d.cfg.Notifier
	if err := config.ValidateNotifier(nc); err != nil {
		d.addError(r, "notifier", "notifier", err.Error())
		return
	}

	switch nc.Type {
	case config.NotifierNoop:
		d.addWarning(r, "notifier", "notifier.type", "noop notifier: missed pings are only logged")
	case config.NotifierWebhook:
		wh := nc.Webhook
		if u, err := url.Parse(strings.ReplaceAll(wh.URL, "{key}", "key")); err == nil &&
			u.Scheme == "http" && !isLoopback(u.Hostname()) {
			d.addWarning(r, "notifier", "notifier.webhook.url", "webhook uses plain http to a remote host")
		}
		if wh.Secret == "" {
			d.addWarning(r, "notifier", "notifier.webhook.secret", "no secret; webhook deliveries are unsigned")
		}
		if wh.Timeout > 0 && d.cfg.Service.DeliveryTimeout > 0 && wh.Timeout > d.cfg.Service.DeliveryTimeout {
			d.addWarning(r, "notifier", "notifier.webhook.timeout",
				fmt.Sprintf("webhook timeout %s exceeds service.delivery_timeout %s; the shorter one applies",
					wh.Timeout, d.cfg.Service.DeliveryTimeout))
		}
	}
}

func (d *Doctor) validateHistory(r *Result) {
	h := d.cfg.History
	if !h.Enabled {
		d.addWarning(r, "history", "history.enabled", "alert history disabled; GET /alerts will be empty")
		return
	}
	if h.Path == "" {
		d.addError(r, "history", "history.path", "history.path is required when history is enabled")
	}
	if h.Retention < 0 {
		d.addError(r, "history", "history.retention", "retention must not be negative")
	}
	if h.PruneInterval < 0 {
		d.addError(r, "history", "history.prune_interval", "prune_interval must not be negative")
	} else if h.Retention > 0 && h.PruneInterval == 0 {
		d.addWarning(r, "history", "history.prune_interval", "prune_interval is 0; old deliveries are only pruned at startup")
	}
}

// warnRunningInstance checks the instance lock without taking or touching it.
func (d *Doctor) warnRunningInstance(r *Result) {
	path := d.cfg.Service.LockPath
	if path == "" {
		return
	}
	if err := lock.Check(path); errors.Is(err, lock.ErrLocked) {
		d.addWarning(r, "lock", "service.lock_path", fmt.Sprintf("deadman appears to be running: %v", err))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Path != "" {
		fmt.Fprintf(&b, "Config: %s\n", r.Path)
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "Fingerprint: %s\n", r.Fingerprint)
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
