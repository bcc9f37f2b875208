package factory

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/interfaces"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/real"
	"github.com/opd-ai/meshlink/testing"
)

// Validation constants for configuration bounds checking.
const (
	// MinReadBuffer is the smallest read buffer accepted from the environment.
	MinReadBuffer = limits.MaxDatagramSize
	// MaxReadBuffer is the largest read buffer accepted from the environment.
	MaxReadBuffer = limits.MaxReadBuffer
	// MinRetryAttempts is the minimum allowed retry attempts.
	MinRetryAttempts = 0
	// MaxRetryAttempts is the maximum allowed retry attempts.
	MaxRetryAttempts = 100
)

// TransportFactory creates transport implementations based on configuration.
// It is safe for concurrent use.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
	network       *testing.Network
}

// NewTransportFactory creates a new factory with default configuration and
// environment overrides applied.
func NewTransportFactory() *TransportFactory {
	defaultConfig := interfaces.DefaultTransportConfig()
	applyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &TransportFactory{
		defaultConfig: defaultConfig,
	}
}

// applyEnvironmentOverrides updates configuration based on MESHLINK_*
// environment variables.
func applyEnvironmentOverrides(config *interfaces.TransportConfig) {
	parseSimulationSetting(config)
	parseListenSetting(config)
	parseReadBufferSetting(config)
	parseRetrySetting(config)
}

func parseSimulationSetting(config *interfaces.TransportConfig) {
	if useSimStr := os.Getenv("MESHLINK_USE_SIMULATION"); useSimStr != "" {
		useSim, err := strconv.ParseBool(useSimStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSimulationSetting",
				"env_var":     "MESHLINK_USE_SIMULATION",
				"value":       useSimStr,
				"error":       err.Error(),
				"using_value": config.UseSimulation,
			}).Warn("Failed to parse MESHLINK_USE_SIMULATION environment variable, using default")
			return
		}
		config.UseSimulation = useSim
	}
}

func parseListenSetting(config *interfaces.TransportConfig) {
	if addr := os.Getenv("MESHLINK_LISTEN_ADDRESS"); addr != "" {
		config.ListenAddress = addr
	}
}

func parseReadBufferSetting(config *interfaces.TransportConfig) {
	parseBoundedInt("MESHLINK_READ_BUFFER", MinReadBuffer, MaxReadBuffer, &config.ReadBufferSize)
}

func parseRetrySetting(config *interfaces.TransportConfig) {
	parseBoundedInt("MESHLINK_RETRY_ATTEMPTS", MinRetryAttempts, MaxRetryAttempts, &config.RetryAttempts)
}

// parseBoundedInt overwrites *dst with the environment value when it parses
// and lies within [min, max].
func parseBoundedInt(envVar string, min, max int, dst *int) {
	str := os.Getenv(envVar)
	if str == "" {
		return
	}
	value, err := strconv.Atoi(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoundedInt",
			"env_var":     envVar,
			"value":       str,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if value < min || value > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoundedInt",
			"env_var":     envVar,
			"value":       value,
			"min":         min,
			"max":         max,
			"using_value": *dst,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = value
}

func logConfigurationInfo(config *interfaces.TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":         "NewTransportFactory",
		"use_simulation":   config.UseSimulation,
		"listen_address":   config.ListenAddress,
		"read_buffer_size": config.ReadBufferSize,
		"retry_attempts":   config.RetryAttempts,
	}).Info("Created transport factory with configuration")
}

// CreateTransport creates a transport from the default configuration.
func (f *TransportFactory) CreateTransport() (interfaces.DatagramTransport, error) {
	return f.CreateTransportWithConfig(nil)
}

// CreateTransportWithConfig creates a transport from config, or from the
// default configuration when config is nil.
func (f *TransportFactory) CreateTransportWithConfig(config *interfaces.TransportConfig) (interfaces.DatagramTransport, error) {
	if config == nil {
		config = f.GetCurrentConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "CreateTransportWithConfig",
		"use_simulation": config.UseSimulation,
		"listen_address": config.ListenAddress,
	}).Info("Creating transport implementation")

	if config.UseSimulation {
		addr, err := netip.ParseAddrPort(config.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("simulated listen address %q: %w", config.ListenAddress, err)
		}
		t, err := f.Network().Attach(addr)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	t, err := real.NewUDPTransport(config)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Network returns the simulated network shared by this factory's simulated
// transports, creating it on first use.
func (f *TransportFactory) Network() *testing.Network {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.network == nil {
		f.network = testing.NewNetwork()
	}
	return f.network
}

// SetNetwork replaces the simulated network.
func (f *TransportFactory) SetNetwork(n *testing.Network) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network = n
}

// SwitchToSimulation switches the default configuration to simulation.
func (f *TransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to simulation mode")

	f.defaultConfig.UseSimulation = true
}

// SwitchToReal switches the default configuration to UDP sockets.
func (f *TransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to real mode")

	f.defaultConfig.UseSimulation = false
}

// GetCurrentConfig returns a copy of the current default configuration.
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := *f.defaultConfig
	return &c
}

// IsUsingSimulation returns true if the factory is configured for simulation.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.defaultConfig.UseSimulation
}

// UpdateConfig replaces the factory's default configuration.
func (f *TransportFactory) UpdateConfig(config *interfaces.TransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.defaultConfig.UseSimulation,
		"new_simulation": config.UseSimulation,
	}).Info("Updating factory configuration")

	c := *config
	f.defaultConfig = &c
	return nil
}
