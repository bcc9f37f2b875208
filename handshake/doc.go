// Package handshake implements the three-way connection handshake used by
// meshlink connections.
//
// A [Session] is a TCP-style state machine over [Segment] values:
//
//	Closed -> Listen (passive open) | SynSent (active open) -> SynReceived -> Established
//
// Closed is also the terminal state after a reset, a refusal, a timeout or
// an abort. The session performs no I/O itself: segments leave through the
// Send callback, delivered data through Deliver, and outcomes through Event.
// All methods must be called from the scheduler's goroutine.
//
// Sequence numbers are 32-bit and compared with serial-number arithmetic,
// so the handshake is correct across wrap-around.
package handshake
