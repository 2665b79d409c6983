// Package watchdog is the dead man's switch scheduling engine.
//
// Callers register heartbeats ("pings") for string keys. Each key owns one
// timer that fires after the grace period unless a newer ping replaces it.
// A fired timer produces exactly one [Alert] on the channel returned by
// [*Engine.Alerts].
//
// # Ownership
//
// The key registry belongs to the goroutine running [*Engine.Run]. Pings,
// snapshots and forget requests reach it over channels, so the registry needs
// no lock. Timer callbacks never touch the registry: they only claim their own
// handle, enqueue the alert and post an expiry notice back to the loop.
//
// # Cancellation
//
// Every handle starts pending and moves to fired or cancelled through a single
// compare-and-swap. A renewal cancels the previous handle before installing the
// new one. If the callback claimed the handle first, the deadline really
// elapsed before the renewal was processed and the one alert stands. If the
// renewal won, the callback returns without emitting. Each handle carries an
// epoch so the loop only prunes a key when the expiry notice matches the handle
// that is still installed.
//
// # Alert queue
//
// The alert queue is bounded. When it is full the configured [Overflow]
// policy decides: block the firing goroutine, evict the oldest queued alert, or
// reject the new one.
package watchdog
