package interfaces

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// DatagramHandler receives one inbound datagram. The slice is owned by the
// handler.
type DatagramHandler func(datagram []byte, from netip.AddrPort)

// DatagramTransport sends and receives unreliable datagrams.
type DatagramTransport interface {
	// Send transmits a datagram to the given address.
	Send(datagram []byte, to netip.AddrPort) error

	// SetHandler installs the inbound datagram handler. Datagrams arriving
	// before a handler is set are dropped.
	SetHandler(handler DatagramHandler)

	// LocalAddr returns the bound address.
	LocalAddr() netip.AddrPort

	// Close stops the transport. Further sends fail with ErrTransportClosed.
	Close() error

	// IsSimulation returns true for in-memory implementations.
	IsSimulation() bool
}

// TransportConfig holds configuration for transport implementations.
type TransportConfig struct {
	// UseSimulation selects the in-memory network instead of a UDP socket.
	UseSimulation bool

	// ListenAddress is the local bind address, e.g. "0.0.0.0:22527".
	ListenAddress string

	// ReadBufferSize is the size of the datagram read buffer.
	ReadBufferSize int

	// RetryAttempts is the number of resends after a transient send error.
	RetryAttempts int

	// RetryBackoff is the pause before the first resend. It doubles for
	// every further attempt.
	RetryBackoff time.Duration
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		UseSimulation:  false,
		ListenAddress:  "0.0.0.0:22527",
		ReadBufferSize: 2048,
		RetryAttempts:  2,
		RetryBackoff:   5 * time.Millisecond,
	}
}

// Validate checks the configuration for unusable values.
func (c *TransportConfig) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address is required")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive: %d", c.ReadBufferSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative: %d", c.RetryAttempts)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must not be negative: %v", c.RetryBackoff)
	}
	return nil
}
