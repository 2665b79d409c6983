// Package dispatch delivers watchdog alerts to the configured notifier.
//
// The dispatcher drains the engine's alert queue serially, one alert at a
// time, in the order the alerts were queued. Each delivery runs under its own
// timeout. A failed delivery is logged, published as alert.failed and recorded
// in history; it is never retried and never stops the loop.
package dispatch
