package handshake

import "errors"

var (
	// ErrHandshakeTimeout is returned when the handshake did not complete
	// within Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrConnectionReset is returned when the remote peer reset the
	// connection.
	ErrConnectionReset = errors.New("connection reset")
	// ErrConnectionRefused is returned when the remote peer refused an
	// active open.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrHandshakeInProgress is returned for writes before the connection
	// is established.
	ErrHandshakeInProgress = errors.New("handshake in progress")
	// ErrConnectionClosed is returned for operations on a closed session.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMalformedSegment is returned when a segment cannot be decoded.
	ErrMalformedSegment = errors.New("malformed segment")
)
