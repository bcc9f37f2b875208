package factory

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/interfaces"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MESHLINK_USE_SIMULATION",
		"MESHLINK_LISTEN_ADDRESS",
		"MESHLINK_READ_BUFFER",
		"MESHLINK_RETRY_ATTEMPTS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestNewTransportFactoryDefaults(t *testing.T) {
	clearEnv(t)
	f := NewTransportFactory()

	assert.Equal(t, interfaces.DefaultTransportConfig(), f.GetCurrentConfig())
	assert.False(t, f.IsUsingSimulation())
}

func TestEnvironmentVariableParsing(t *testing.T) {
	defaults := interfaces.DefaultTransportConfig()

	tests := []struct {
		name      string
		envKey    string
		envValue  string
		checkFunc func(*interfaces.TransportConfig) bool
	}{
		{
			name:      "valid_simulation_true",
			envKey:    "MESHLINK_USE_SIMULATION",
			envValue:  "true",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.UseSimulation },
		},
		{
			name:      "invalid_simulation_value",
			envKey:    "MESHLINK_USE_SIMULATION",
			envValue:  "invalid",
			checkFunc: func(c *interfaces.TransportConfig) bool { return !c.UseSimulation },
		},
		{
			name:      "listen_address",
			envKey:    "MESHLINK_LISTEN_ADDRESS",
			envValue:  "127.0.0.1:4000",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.ListenAddress == "127.0.0.1:4000" },
		},
		{
			name:      "valid_read_buffer",
			envKey:    "MESHLINK_READ_BUFFER",
			envValue:  "4096",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.ReadBufferSize == 4096 },
		},
		{
			name:      "read_buffer_below_minimum",
			envKey:    "MESHLINK_READ_BUFFER",
			envValue:  "100",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.ReadBufferSize == defaults.ReadBufferSize },
		},
		{
			name:      "read_buffer_above_maximum",
			envKey:    "MESHLINK_READ_BUFFER",
			envValue:  "1000000",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.ReadBufferSize == defaults.ReadBufferSize },
		},
		{
			name:      "read_buffer_not_a_number",
			envKey:    "MESHLINK_READ_BUFFER",
			envValue:  "big",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.ReadBufferSize == defaults.ReadBufferSize },
		},
		{
			name:      "retries_at_zero",
			envKey:    "MESHLINK_RETRY_ATTEMPTS",
			envValue:  "0",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.RetryAttempts == 0 },
		},
		{
			name:      "retries_negative",
			envKey:    "MESHLINK_RETRY_ATTEMPTS",
			envValue:  "-5",
			checkFunc: func(c *interfaces.TransportConfig) bool { return c.RetryAttempts == defaults.RetryAttempts },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.envKey, tt.envValue)

			config := NewTransportFactory().GetCurrentConfig()
			if !tt.checkFunc(config) {
				t.Errorf("%s=%q produced unexpected config %+v", tt.envKey, tt.envValue, config)
			}
		})
	}
}

func TestCreateSimulatedTransports(t *testing.T) {
	clearEnv(t)
	f := NewTransportFactory()
	f.SwitchToSimulation()
	require.True(t, f.IsUsingSimulation())

	cfg := f.GetCurrentConfig()
	cfg.ListenAddress = "10.0.0.1:22527"
	a, err := f.CreateTransportWithConfig(cfg)
	require.NoError(t, err)
	assert.True(t, a.IsSimulation())

	cfg.ListenAddress = "10.0.0.2:22527"
	b, err := f.CreateTransportWithConfig(cfg)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	b.SetHandler(func(d []byte, _ netip.AddrPort) { got <- d })
	require.NoError(t, a.Send([]byte("hi"), b.LocalAddr()))
	assert.Equal(t, []byte("hi"), <-got)

	assert.Equal(t, 2, f.Network().Stats().Endpoints)

	f.SwitchToReal()
	assert.False(t, f.IsUsingSimulation())
}

func TestCreateTransportRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	f := NewTransportFactory()

	_, err := f.CreateTransportWithConfig(&interfaces.TransportConfig{ListenAddress: "", ReadBufferSize: 1})
	assert.Error(t, err)

	_, err = f.CreateTransportWithConfig(&interfaces.TransportConfig{UseSimulation: true, ListenAddress: "nowhere", ReadBufferSize: 2048})
	assert.Error(t, err)
}

func TestCreateRealTransport(t *testing.T) {
	clearEnv(t)
	f := NewTransportFactory()

	cfg := f.GetCurrentConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	tr, err := f.CreateTransportWithConfig(cfg)
	require.NoError(t, err)
	defer tr.Close()
	assert.False(t, tr.IsSimulation())
}

func TestUpdateConfig(t *testing.T) {
	clearEnv(t)
	f := NewTransportFactory()

	assert.Error(t, f.UpdateConfig(nil))
	assert.Error(t, f.UpdateConfig(&interfaces.TransportConfig{}))

	cfg := interfaces.DefaultTransportConfig()
	cfg.RetryAttempts = 7
	require.NoError(t, f.UpdateConfig(cfg))

	cfg.RetryAttempts = 9
	assert.Equal(t, 7, f.GetCurrentConfig().RetryAttempts, "factory keeps its own copy")
}
