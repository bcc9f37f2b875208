package protocol

import "errors"

var (
	// ErrMalformed is returned for datagrams with a wrong length or layout.
	ErrMalformed = errors.New("malformed message")
	// ErrBadMagic is returned when the datagram does not start with Magic.
	ErrBadMagic = errors.New("bad magic number")
	// ErrUnknownKind is returned for an unknown kind discriminator.
	ErrUnknownKind = errors.New("unknown message kind")
)
