package api

import (
	"time"

	"github.com/mattjoyce/deadman/internal/history"
)

// PingResponse is returned by POST /ping/{key}.
type PingResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// ForgetResponse is returned by DELETE /ping/{key}.
type ForgetResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// KeyView is one tracked key in GET /keys.
type KeyView struct {
	Key              string    `json:"key"`
	FirstSeen        time.Time `json:"first_seen"`
	LastPing         time.Time `json:"last_ping"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	Pings            int64     `json:"pings"`
	Expired          bool      `json:"expired"`
}

// KeysResponse is returned by GET /keys.
type KeysResponse struct {
	GracePeriodSeconds float64   `json:"grace_period_seconds"`
	Keys               []KeyView `json:"keys"`
}

// AlertsResponse is returned by GET /alerts.
type AlertsResponse struct {
	Alerts []history.Delivery `json:"alerts"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status             string  `json:"status"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	GracePeriodSeconds float64 `json:"grace_period_seconds"`
	TrackedKeys        int64   `json:"tracked_keys"`
	PingsAccepted      int64   `json:"pings_accepted"`
	PingsRejected      int64   `json:"pings_rejected"`
	AlertsEmitted      int64   `json:"alerts_emitted"`
	AlertsDropped      int64   `json:"alerts_dropped"`
	AlertsQueued       int     `json:"alerts_queued"`
	PingQueueDepth     int     `json:"ping_queue_depth"`
	// RecentFailures counts alert.failed events still in the event buffer.
	RecentFailures int `json:"recent_failures"`
}
