// Package event provides the per-stream execution context used by the fault
// filter and the response rate limiter.
//
// Every proxied request owns one Dispatcher. All filter hooks and all timer
// callbacks for that request run on the dispatcher, one at a time, so the
// per-request state they touch needs no locking.
//
// Two implementations are provided:
//
//   - Loop: a goroutine-backed dispatcher used by the HTTP proxy. Callers on
//     other goroutines hand work to it with Post or Do.
//   - Simulated: a manually advanced clock for deterministic tests. Timers
//     fire only when Advance moves the clock past their deadline.
//
// # Timer Semantics
//
// A Timer is owned by the dispatcher that created it and must only be
// enabled or disabled from that dispatcher. Disable guarantees that the
// callback will not run afterwards, even if the underlying clock already
// expired and the fire is queued.
package event
