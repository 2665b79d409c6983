// Package inspect builds per-key alert delivery reports from the history log.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/deadman/internal/history"
)

// ErrNoDeliveries is returned when a key has nothing in the history log.
var ErrNoDeliveries = errors.New("no deliveries recorded")

// Source is the slice of the history store a report reads.
type Source interface {
	ForKey(ctx context.Context, key string, limit int) ([]history.Delivery, error)
}

// Report is the structured JSON representation of a key report.
type Report struct {
	Key        string             `json:"key"`
	Window     int                `json:"window"`
	Delivered  int                `json:"delivered"`
	Failed     int                `json:"failed"`
	FirstAlert time.Time          `json:"first_alert"`
	LastAlert  time.Time          `json:"last_alert"`
	LastError  string             `json:"last_error,omitempty"`
	Alerts     []Alert            `json:"alerts"`
	Deliveries []history.Delivery `json:"-"`
}

// Alert groups the delivery attempts made for one fired alert.
type Alert struct {
	AlertID  string         `json:"alert_id"`
	FiredAt  time.Time      `json:"fired_at"`
	Attempts int            `json:"attempts"`
	Status   history.Status `json:"status"`
	Error    string         `json:"error,omitempty"`
}

// Gather reads up to limit recent deliveries for key and summarises them.
func Gather(ctx context.Context, src Source, key string, limit int) (*Report, error) {
	deliveries, err := src.ForKey(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("load deliveries for %q: %w", key, err)
	}
	if len(deliveries) == 0 {
		return nil, fmt.Errorf("key %q: %w", key, ErrNoDeliveries)
	}

	r := &Report{Key: key, Window: len(deliveries), Deliveries: deliveries}
	byID := make(map[string]int)

	// deliveries arrive newest first; walk oldest first so alerts read in order.
	for i := len(deliveries) - 1; i >= 0; i-- {
		d := deliveries[i]
		switch d.Status {
		case history.StatusDelivered:
			r.Delivered++
		case history.StatusFailed:
			r.Failed++
			r.LastError = d.Error
		}
		if r.FirstAlert.IsZero() || d.FiredAt.Before(r.FirstAlert) {
			r.FirstAlert = d.FiredAt
		}
		if d.FiredAt.After(r.LastAlert) {
			r.LastAlert = d.FiredAt
		}

		idx, ok := byID[d.AlertID]
		if !ok {
			r.Alerts = append(r.Alerts, Alert{AlertID: d.AlertID, FiredAt: d.FiredAt})
			idx = len(r.Alerts) - 1
			byID[d.AlertID] = idx
		}
		a := &r.Alerts[idx]
		a.Attempts++
		a.Status = d.Status
		a.Error = d.Error
	}
	return r, nil
}

// BuildReport renders a terminal-friendly report for key.
func BuildReport(ctx context.Context, src Source, key string, limit int) (string, error) {
	report, err := Gather(ctx, src, key, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Key Report\n")
	fmt.Fprintf(&out, "Key         : %s\n", report.Key)
	fmt.Fprintf(&out, "Window      : last %d deliveries\n", report.Window)
	fmt.Fprintf(&out, "Delivered   : %d\n", report.Delivered)
	fmt.Fprintf(&out, "Failed      : %d\n", report.Failed)
	fmt.Fprintf(&out, "First alert : %s\n", report.FirstAlert.Local().Format(time.DateTime))
	fmt.Fprintf(&out, "Last alert  : %s\n", report.LastAlert.Local().Format(time.DateTime))
	if report.LastError != "" {
		fmt.Fprintf(&out, "Last error  : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for i, a := range report.Alerts {
		fmt.Fprintf(&out, "[%d] %s\n", i+1, a.AlertID)
		fmt.Fprintf(&out, "    fired_at : %s\n", a.FiredAt.Local().Format(time.DateTime))
		fmt.Fprintf(&out, "    attempts : %d\n", a.Attempts)
		fmt.Fprintf(&out, "    status   : %s\n", a.Status)
		if a.Error != "" {
			fmt.Fprintf(&out, "    error    : %s\n", a.Error)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable key report.
func BuildJSONReport(ctx context.Context, src Source, key string, limit int) (string, error) {
	report, err := Gather(ctx, src, key, limit)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}
