// Package factory creates datagram transports for meshlink nodes.
//
// The factory decouples nodes from the concrete transport, allowing the same
// node to run on a UDP socket or on the in-memory simulated network.
//
// # Configuration
//
// The factory supports configuration via environment variables:
//   - MESHLINK_USE_SIMULATION: "true" or "false" to enable simulation mode
//   - MESHLINK_LISTEN_ADDRESS: bind address such as "0.0.0.0:22527"
//   - MESHLINK_READ_BUFFER: datagram read buffer size in bytes
//   - MESHLINK_RETRY_ATTEMPTS: integer number of send retries
//
// Invalid or out-of-range values are logged and ignored.
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	t, err := f.CreateTransport()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Every simulated transport created by one factory joins the same
// testing.Network, so nodes built from one factory can reach each other:
//
//	f := factory.NewTransportFactory()
//	f.SwitchToSimulation()
//	a, _ := f.CreateTransportWithConfig(&interfaces.TransportConfig{ListenAddress: "10.0.0.1:22527", ...})
//	b, _ := f.CreateTransportWithConfig(&interfaces.TransportConfig{ListenAddress: "10.0.0.2:22527", ...})
package factory
