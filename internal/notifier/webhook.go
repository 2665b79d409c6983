package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/deadman/internal/config"
)

// Headers set on every webhook request.
const (
	HeaderDelivery  = "X-Deadman-Delivery"
	HeaderSignature = "X-Deadman-Signature"
)

// keyPlaceholder is replaced with the missed key in the URL and header values.
const keyPlaceholder = "{key}"

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Payload is the JSON body sent for methods that carry one.
type Payload struct {
	Key     string    `json:"key"`
	Event   string    `json:"event"`
	Service string    `json:"service"`
	SentAt  time.Time `json:"sent_at"`
}

// Webhook notifies by issuing an HTTP request per missed key.
type Webhook struct {
	cfg     config.WebhookConfig
	service string
	client  *http.Client
	now     func() time.Time
}

// NewWebhook validates cfg and returns a Webhook notifier.
func NewWebhook(cfg config.WebhookConfig, service string) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = config.DefaultWebhookMethod
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultWebhookTimeout
	}
	if _, err := url.Parse(expandKey(cfg.URL, "key", true)); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}

	return &Webhook{
		cfg:     cfg,
		service: service,
		client:  &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}, nil
}

func (w *Webhook) Name() string { return string(KindWebhook) }

// NotifyFailure sends one request for key. Transport errors and non-2xx
// responses are returned as errors; there is no retry.
func (w *Webhook) NotifyFailure(ctx context.Context, key string) error {
	req, err := w.buildRequest(ctx, key)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Webhook) buildRequest(ctx context.Context, key string) (*http.Request, error) {
	var body []byte
	if methodHasBody(w.cfg.Method) {
		b, err := json.Marshal(Payload{
			Key:     key,
			Event:   "missed_ping",
			Service: w.service,
			SentAt:  w.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal webhook payload: %w", err)
		}
		body = b
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, expandKey(w.cfg.URL, key, true), reader)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if w.cfg.Secret != "" {
		signed := body
		if signed == nil {
			signed = []byte(key)
		}
		req.Header.Set(HeaderSignature, Sign(signed, w.cfg.Secret))
	}
	// A configured header replaces any default of the same name. Repeats
	// within the config are all sent.
	configured := make(map[string]bool, len(w.cfg.Headers))
	for _, h := range w.cfg.Headers {
		name := http.CanonicalHeaderKey(h.Name)
		value := expandKey(h.Value, key, false)
		if configured[name] {
			req.Header.Add(name, value)
			continue
		}
		configured[name] = true
		req.Header.Set(name, value)
	}
	return req, nil
}

// StatusError is returned when the remote endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func expandKey(s, key string, escape bool) string {
	if escape {
		key = url.PathEscape(key)
	}
	return strings.ReplaceAll(s, keyPlaceholder, key)
}
