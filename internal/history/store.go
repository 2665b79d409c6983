// Package history keeps an append-only log of alert delivery attempts in
// SQLite. It records what the dispatcher did; it never restores timers.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one delivery attempt.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

const (
	// DefaultLimit applies when Recent is called with a non-positive limit.
	DefaultLimit = 50
	// MaxLimit caps a single Recent page.
	MaxLimit = 1000

	// Fixed-width so text ordering in SQLite matches time ordering.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Delivery is one notifier invocation for one alert.
type Delivery struct {
	ID          string        `json:"id"`
	AlertID     string        `json:"alert_id"`
	Key         string        `json:"key"`
	Notifier    string        `json:"notifier"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	FiredAt     time.Time     `json:"fired_at"`
	AttemptedAt time.Time     `json:"attempted_at"`
	Duration    time.Duration `json:"duration_ns"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends d. An empty ID is filled with a new UUID.
func (s *Store) Record(ctx context.Context, d Delivery) error {
	if d.AlertID == "" {
		return fmt.Errorf("alert id is empty")
	}
	if d.Key == "" {
		return fmt.Errorf("key is empty")
	}
	switch d.Status {
	case StatusDelivered, StatusFailed:
	default:
		return fmt.Errorf("invalid delivery status %q", d.Status)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	var errText any
	if d.Error != "" {
		errText = d.Error
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO alert_log(id, alert_id, key, notifier, status, error, fired_at, attempted_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, d.AlertID, d.Key, d.Notifier, string(d.Status), errText,
		formatTime(d.FiredAt), formatTime(d.AttemptedAt), d.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Recent returns the newest deliveries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	return s.query(ctx, `
SELECT id, alert_id, key, notifier, status, error, fired_at, attempted_at, duration_ms
FROM alert_log
ORDER BY attempted_at DESC, rowid DESC
LIMIT ?;
`, clampLimit(limit))
}

// ForKey is Recent restricted to one key.
func (s *Store) ForKey(ctx context.Context, key string, limit int) ([]Delivery, error) {
	return s.query(ctx, `
SELECT id, alert_id, key, notifier, status, error, fired_at, attempted_at, duration_ms
FROM alert_log
WHERE key = ?
ORDER BY attempted_at DESC, rowid DESC
LIMIT ?;
`, key, clampLimit(limit))
}

// Prune deletes deliveries attempted before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alert_log WHERE attempted_at < ?;", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune alert log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune alert log: %w", err)
	}
	return n, nil
}

// Counts returns the number of recorded deliveries per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM alert_log GROUP BY status;")
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	out := map[Status]int64{StatusDelivered: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert log: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0)
	for rows.Next() {
		var (
			d                  Delivery
			status             string
			errText            sql.NullString
			firedAt, attempted string
			durationMS         int64
		)
		if err := rows.Scan(&d.ID, &d.AlertID, &d.Key, &d.Notifier, &status, &errText, &firedAt, &attempted, &durationMS); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = Status(status)
		d.Error = errText.String
		if d.FiredAt, err = time.Parse(timeFormat, firedAt); err != nil {
			return nil, fmt.Errorf("parse fired_at: %w", err)
		}
		if d.AttemptedAt, err = time.Parse(timeFormat, attempted); err != nil {
			return nil, fmt.Errorf("parse attempted_at: %w", err)
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert log: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
