// Package limits provides centralized size and count limits for the meshlink
// wire protocol. This ensures consistent validation across the codec, the
// transport and the discovery agents.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest datagram the transport reads or writes.
	// It stays below the common 1500 byte MTU minus IPv6 and UDP headers.
	MaxDatagramSize = 1432

	// MaxCandidateAddresses caps the candidate list carried by a Hello.
	MaxCandidateAddresses = 16

	// MaxUniteAddresses caps the candidate list carried by a Unite.
	MaxUniteAddresses = 8

	// ArmOverhead is the number of bytes added by arming a payload
	// (Poly1305 tag). The nonce travels in the message header.
	ArmOverhead = 16

	// MaxReadBuffer is the absolute maximum read buffer a transport may
	// be configured with.
	MaxReadBuffer = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrTooManyAddresses indicates an address list exceeds its cap
	ErrTooManyAddresses = errors.New("too many addresses")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates an encoded datagram against MaxDatagramSize.
func ValidateDatagram(datagram []byte) error {
	if len(datagram) == 0 {
		return ErrMessageEmpty
	}
	if len(datagram) > MaxDatagramSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(datagram), MaxDatagramSize)
	}
	return nil
}

// ValidateAddressCount validates the length of a candidate list against max.
func ValidateAddressCount(n, max int) error {
	if n > max {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyAddresses, n, max)
	}
	return nil
}
