// Package main runs a meshlink node as a super peer or as a child.
//
// A child registers with the configured super peers, relays application
// traffic through them and establishes direct paths to the peers they
// introduce. A super peer accepts registrations and relays between its
// children.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/meshlink"
	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/discovery"
)

// CLI configuration
type CLIConfig struct {
	listenAddress  string
	superPeer      bool
	superPeers     string
	advertise      string
	networkID      int
	seed           string
	powDifficulty  uint
	helloInterval  time.Duration
	helloTimeout   time.Duration
	uniteInterval  time.Duration
	hopLimit       uint
	arm            bool
	simulation     bool
	metricsAddress string
	logLevel       string
	logJSON        bool
	help           bool
}

// parseCLIFlags parses args into a configuration.
func parseCLIFlags(args []string) (*CLIConfig, error) {
	defaults := discovery.DefaultConfig()
	config := &CLIConfig{}

	fs := flag.NewFlagSet("meshlink", flag.ContinueOnError)

	// Network configuration
	fs.StringVar(&config.listenAddress, "listen", "0.0.0.0:22527", "UDP listen address")
	fs.BoolVar(&config.superPeer, "super-peer", false, "Run as a super peer")
	fs.StringVar(&config.superPeers, "super-peers", "", "Comma separated super peers as <hex id>@<host:port>")
	fs.StringVar(&config.advertise, "advertise", "", "Comma separated addresses announced in addition to local ones")
	fs.IntVar(&config.networkID, "network-id", int(defaults.NetworkID), "Network id; peers on other networks are ignored")
	fs.BoolVar(&config.simulation, "simulation", false, "Use the in-memory network instead of UDP")

	// Identity
	fs.StringVar(&config.seed, "seed", "", "Hex encoded 32 byte identity seed (random when empty)")
	fs.UintVar(&config.powDifficulty, "pow-difficulty", uint(defaults.PowDifficulty), "Proof of work difficulty in leading zero bits")

	// Protocol timing
	fs.DurationVar(&config.helloInterval, "hello-interval", defaults.HelloInterval, "Heartbeat interval")
	fs.DurationVar(&config.helloTimeout, "hello-timeout", defaults.HelloTimeout, "Time without hellos after which a path is stale")
	fs.DurationVar(&config.uniteInterval, "unite-interval", defaults.UniteMinInterval, "Minimum time between rendezvous of the same pair (0 disables)")
	fs.UintVar(&config.hopLimit, "hop-limit", uint(defaults.HopLimit), "Maximum relay hops")
	fs.BoolVar(&config.arm, "arm", true, "Encrypt application payloads end to end")

	// Observability
	fs.StringVar(&config.metricsAddress, "metrics", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&config.logLevel, "log-level", "INFO", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Log in JSON format")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.listenAddress == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if config.powDifficulty > 255 {
		return fmt.Errorf("pow difficulty must be at most 255")
	}
	if config.hopLimit == 0 || config.hopLimit > 255 {
		return fmt.Errorf("hop limit must be between 1 and 255")
	}
	if config.helloInterval <= 0 {
		return fmt.Errorf("hello interval must be positive")
	}
	if !config.superPeer && config.superPeers == "" {
		return fmt.Errorf("a child needs at least one super peer")
	}
	if _, err := parseLogLevel(config.logLevel); err != nil {
		return err
	}
	return nil
}

// parseSuperPeers parses "<hex id>@<host:port>" entries.
func parseSuperPeers(s string) ([]discovery.SuperPeerConfig, error) {
	var out []discovery.SuperPeerConfig
	for _, entry := range splitList(s) {
		idPart, host, ok := strings.Cut(entry, "@")
		if !ok || host == "" {
			return nil, fmt.Errorf("super peer %q: expected <hex id>@<host:port>", entry)
		}
		id, err := crypto.ParsePeerID(idPart)
		if err != nil {
			return nil, fmt.Errorf("super peer %q: %w", entry, err)
		}
		out = append(out, discovery.SuperPeerConfig{ID: id, Host: host})
	}
	return out, nil
}

func parseAddresses(s string) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, entry := range splitList(s) {
		ap, err := netip.ParseAddrPort(entry)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", entry, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSeed(s string) (*[32]byte, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seed: expected 32 bytes, got %d", len(raw))
	}
	var seed [32]byte
	copy(seed[:], raw)
	return &seed, nil
}

func parseLogLevel(s string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// buildOptions converts the CLI configuration into node options.
func buildOptions(config *CLIConfig) (*meshlink.Options, error) {
	opts := meshlink.NewOptions()
	opts.SuperPeer = config.superPeer
	opts.ArmApplication = config.arm
	opts.Transport.ListenAddress = config.listenAddress
	opts.Transport.UseSimulation = config.simulation

	d := &opts.Discovery
	d.NetworkID = int32(config.networkID)
	d.PowDifficulty = uint8(config.powDifficulty)
	d.HelloInterval = config.helloInterval
	d.HelloTimeout = config.helloTimeout
	d.UniteMinInterval = config.uniteInterval
	d.HopLimit = uint8(config.hopLimit)

	var err error
	if d.SuperPeers, err = parseSuperPeers(config.superPeers); err != nil {
		return nil, err
	}
	if d.AdvertisedAddresses, err = parseAddresses(config.advertise); err != nil {
		return nil, err
	}

	seed, err := parseSeed(config.seed)
	if err != nil {
		return nil, err
	}
	if seed != nil {
		opts.Identity = crypto.IdentityFromSeed(*seed, d.PowDifficulty)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// configureLogging applies the level and formatter flags.
func configureLogging(config *CLIConfig) {
	level, err := parseLogLevel(config.logLevel)
	if err == nil {
		logrus.SetLevel(level)
	}
	if config.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func serveMetrics(node *meshlink.Node, address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  address,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv
}

func logEvent(ev discovery.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "main",
		"event":    fmt.Sprintf("%T", ev),
		"detail":   fmt.Sprintf("%+v", ev),
	}).Info("Discovery event")
}

func run(ctx context.Context, config *CLIConfig) error {
	opts, err := buildOptions(config)
	if err != nil {
		return err
	}

	node, err := meshlink.NewNode(opts)
	if err != nil {
		return err
	}
	node.OnEvent(logEvent)
	node.OnApplication(func(peer crypto.PeerID, payload []byte) {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"peer":     peer.Short(),
			"size":     len(payload),
		}).Info("Application payload received")
	})

	if err := node.Start(); err != nil {
		return multierr.Append(err, node.Close())
	}

	role := "child"
	if node.IsSuperPeer() {
		role = "super peer"
	}
	fmt.Printf("meshlink %s %s listening on %s\n", role, node.ID(), node.LocalAddr())

	var metricsServer *http.Server
	if config.metricsAddress != "" {
		metricsServer = serveMetrics(node, config.metricsAddress)
	}

	<-ctx.Done()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return node.Close()
}

// main is the entry point for the node.
func main() {
	cliConfig, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliConfig.help {
		fmt.Printf("Usage: %s [options]\n", os.Args[0])
		fmt.Println("Run with -super-peer, or with -super-peers <hex id>@<host:port>[,...] as a child.")
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	configureLogging(cliConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "meshlink: %v\n", err)
		os.Exit(1)
	}
}
