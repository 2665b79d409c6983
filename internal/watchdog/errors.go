package watchdog

import "errors"

var (
	// ErrEmptyKey is returned by RegisterPing for an empty key.
	ErrEmptyKey = errors.New("watchdog: empty key")

	// ErrQueueFull is returned when a ping could not be enqueued before the
	// caller's context was done.
	ErrQueueFull = errors.New("watchdog: ping queue full")

	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("watchdog: engine stopped")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("watchdog: engine already running")
)
