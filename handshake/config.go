package handshake

import (
	"fmt"
	"time"
)

// Config controls handshake timing.
type Config struct {
	// HandshakeTimeout bounds the time from open until Established.
	// Zero disables the timeout.
	HandshakeTimeout time.Duration
	// RetransmissionInterval is the fixed delay between SYN resends.
	// Zero disables retransmission.
	RetransmissionInterval time.Duration
}

// DefaultConfig returns the default handshake timing.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:       10 * time.Second,
		RetransmissionInterval: time.Second,
	}
}

// Validate checks the configuration for negative durations.
func (c Config) Validate() error {
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative: %v", c.HandshakeTimeout)
	}
	if c.RetransmissionInterval < 0 {
		return fmt.Errorf("retransmission interval must not be negative: %v", c.RetransmissionInterval)
	}
	return nil
}
