package meshlink

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/meshlink/arm"
	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/discovery"
	"github.com/opd-ai/meshlink/handshake"
	"github.com/opd-ai/meshlink/interfaces"
)

// ErrInvalidOptions is returned by NewNode for unusable options.
var ErrInvalidOptions = errors.New("invalid options")

// DefaultAcceptBacklog is the number of established inbound connections
// waiting for Accept before new ones are refused.
const DefaultAcceptBacklog = 16

// Options contains configuration for creating a Node.
type Options struct {
	// Discovery configures the children or super peer agent.
	Discovery discovery.Config

	// Handshake configures connection timing for Dial and Accept.
	Handshake handshake.Config

	// Transport configures the datagram transport created by NewNode. It is
	// ignored by NewNodeWithTransport.
	Transport *interfaces.TransportConfig

	// SuperPeer runs the node as a super peer instead of a child.
	// Discovery.SuperPeers is ignored by super peers.
	SuperPeer bool

	// Identity is the node identity. A fresh one is generated when nil.
	Identity *crypto.Identity

	// ArmApplication encrypts application payloads end to end.
	ArmApplication bool

	// KeyringSize bounds the number of cached arm sessions.
	KeyringSize int

	// Connections carries handshake segments in application payloads and
	// enables Dial and Accept. Send is unavailable in this mode.
	Connections bool

	// AcceptBacklog bounds the queue of connections waiting for Accept.
	AcceptBacklog int

	// Clock drives the node loop. The wall clock is used when nil.
	Clock clock.Clock
}

// NewOptions returns options with default values: a child node on a UDP
// socket with arming enabled.
func NewOptions() *Options {
	return &Options{
		Discovery:      discovery.DefaultConfig(),
		Handshake:      handshake.DefaultConfig(),
		Transport:      interfaces.DefaultTransportConfig(),
		ArmApplication: true,
		KeyringSize:    arm.DefaultKeyringSize,
		AcceptBacklog:  DefaultAcceptBacklog,
	}
}

// Validate checks the options and every nested configuration.
func (o *Options) Validate() error {
	if err := o.Discovery.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := o.Handshake.Validate(); err != nil {
		return fmt.Errorf("%w: handshake: %w", ErrInvalidOptions, err)
	}
	if o.KeyringSize < 0 {
		return fmt.Errorf("%w: keyring size must not be negative: %d", ErrInvalidOptions, o.KeyringSize)
	}
	if o.AcceptBacklog < 0 {
		return fmt.Errorf("%w: accept backlog must not be negative: %d", ErrInvalidOptions, o.AcceptBacklog)
	}
	return nil
}
