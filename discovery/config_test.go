package discovery

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/crypto"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.HelloInterval)
	assert.Equal(t, 30*time.Second, cfg.HelloTimeout)
	assert.Equal(t, uint8(8), cfg.HopLimit)
}

func TestConfigValidate(t *testing.T) {
	id := crypto.PeerID{1}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hello interval", func(c *Config) { c.HelloInterval = 0 }},
		{"negative initial delay", func(c *Config) { c.HeartbeatInitialDelay = -time.Second }},
		{"zero hello timeout", func(c *Config) { c.HelloTimeout = 0 }},
		{"zero clock skew", func(c *Config) { c.MaxClockSkew = 0 }},
		{"sub-second lifetime", func(c *Config) { c.ChildrenLifetime = 500 * time.Millisecond }},
		{"zero hop limit", func(c *Config) { c.HopLimit = 0 }},
		{"negative traversing peers", func(c *Config) { c.MaxTraversingPeers = -1 }},
		{"negative grace period", func(c *Config) { c.TraversalGracePeriod = -time.Second }},
		{"negative unite interval", func(c *Config) { c.UniteMinInterval = -time.Second }},
		{"super peer without id", func(c *Config) {
			c.SuperPeers = []SuperPeerConfig{{Host: "sp.example:22527"}}
		}},
		{"super peer without host", func(c *Config) {
			c.SuperPeers = []SuperPeerConfig{{ID: id}}
		}},
		{"duplicate super peer", func(c *Config) {
			c.SuperPeers = []SuperPeerConfig{{ID: id, Host: "a:1"}, {ID: id, Host: "b:1"}}
		}},
		{"too many advertised addresses", func(c *Config) {
			for i := 0; i < 17; i++ {
				c.AdvertisedAddresses = append(c.AdvertisedAddresses, addr(i+1))
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigValidateAcceptsDisabledFeatures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UniteMinInterval = 0
	cfg.MaxTraversingPeers = 0
	cfg.AdvertisedAddresses = []netip.AddrPort{addr(1)}
	cfg.SuperPeers = []SuperPeerConfig{{ID: crypto.PeerID{1}, Host: "sp.example:22527"}}
	assert.NoError(t, cfg.Validate())
}
