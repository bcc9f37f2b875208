// Package loop provides the single-threaded event loop that drives one
// meshlink endpoint.
//
// Datagram handlers, agent ticks and handshake timers all run as closures on
// the loop goroutine, so the state they touch needs no locks. Timers fire on
// a [clock.Clock] and only post their callback back into the loop; a timer
// stopped before its callback ran never runs it, even when the callback was
// already queued.
//
// [Manual] implements the same [Scheduler] contract without a goroutine and
// is used by tests to step time deterministically.
package loop
