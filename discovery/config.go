package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid discovery config")

// SuperPeerConfig names one super peer a child registers with.
type SuperPeerConfig struct {
	ID crypto.PeerID
	// Host is a "host:port" pair. It is resolved again on every heartbeat,
	// so dynamic DNS names are followed.
	Host string
}

// Config holds the discovery parameters shared by all agents.
type Config struct {
	// NetworkID separates overlays that share infrastructure.
	NetworkID int32

	// HelloInterval is the heartbeat period of the children agent and the
	// stale check period of the super peer agent.
	HelloInterval time.Duration
	// HeartbeatInitialDelay delays the first heartbeat. Zero picks a
	// random delay below HelloInterval.
	HeartbeatInitialDelay time.Duration
	// HelloTimeout is how long a path stays usable without a Hello or an
	// Acknowledgement.
	HelloTimeout time.Duration
	// MaxClockSkew bounds the age of accepted Hello and Acknowledgement
	// timestamps.
	MaxClockSkew time.Duration
	// ChildrenLifetime is the registration lifetime a child requests.
	ChildrenLifetime time.Duration
	// PowDifficulty is the proof of work a super peer requires from
	// children.
	PowDifficulty uint8

	// HopLimit stops relaying once a message was forwarded this often.
	HopLimit uint8

	// MaxTraversingPeers caps the peers a child traverses to at once.
	// Zero means unlimited.
	MaxTraversingPeers int
	// TraversalGracePeriod protects new traversing peers from eviction.
	TraversalGracePeriod time.Duration
	// PingCommunicationTimeout keeps traversing peers with recent
	// application traffic alive.
	PingCommunicationTimeout time.Duration
	// UniteMinInterval is the per pair rendezvous cooldown. Zero disables
	// rendezvous.
	UniteMinInterval time.Duration

	SuperPeers []SuperPeerConfig
	// AdvertisedAddresses are announced in addition to the local
	// interface addresses.
	AdvertisedAddresses []netip.AddrPort
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		NetworkID:                1,
		HelloInterval:            5 * time.Second,
		HelloTimeout:             30 * time.Second,
		MaxClockSkew:             60 * time.Second,
		ChildrenLifetime:         60 * time.Second,
		PowDifficulty:            crypto.DefaultPowDifficulty,
		HopLimit:                 8,
		MaxTraversingPeers:       100,
		TraversalGracePeriod:     30 * time.Second,
		PingCommunicationTimeout: 60 * time.Second,
		UniteMinInterval:         20 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.HelloInterval <= 0:
		return fmt.Errorf("%w: hello interval must be positive", ErrInvalidConfig)
	case c.HeartbeatInitialDelay < 0:
		return fmt.Errorf("%w: heartbeat initial delay must not be negative", ErrInvalidConfig)
	case c.HelloTimeout <= 0:
		return fmt.Errorf("%w: hello timeout must be positive", ErrInvalidConfig)
	case c.MaxClockSkew <= 0:
		return fmt.Errorf("%w: max clock skew must be positive", ErrInvalidConfig)
	case c.ChildrenLifetime < time.Second:
		return fmt.Errorf("%w: children lifetime must be at least one second", ErrInvalidConfig)
	case c.HopLimit == 0:
		return fmt.Errorf("%w: hop limit must be positive", ErrInvalidConfig)
	case c.MaxTraversingPeers < 0:
		return fmt.Errorf("%w: max traversing peers must not be negative", ErrInvalidConfig)
	case c.TraversalGracePeriod < 0, c.PingCommunicationTimeout < 0, c.UniteMinInterval < 0:
		return fmt.Errorf("%w: traversal durations must not be negative", ErrInvalidConfig)
	}

	seen := make(map[crypto.PeerID]bool, len(c.SuperPeers))
	for i, sp := range c.SuperPeers {
		if sp.ID.IsZero() {
			return fmt.Errorf("%w: super peer %d has no id", ErrInvalidConfig, i)
		}
		if sp.Host == "" {
			return fmt.Errorf("%w: super peer %s has no host", ErrInvalidConfig, sp.ID.Short())
		}
		if seen[sp.ID] {
			return fmt.Errorf("%w: super peer %s configured twice", ErrInvalidConfig, sp.ID.Short())
		}
		seen[sp.ID] = true
	}

	if err := limits.ValidateAddressCount(len(c.AdvertisedAddresses), limits.MaxCandidateAddresses); err != nil {
		return fmt.Errorf("%w: advertised addresses: %v", ErrInvalidConfig, err)
	}
	return nil
}
