// Package interfaces defines the datagram transport contract that meshlink
// nodes run on.
//
// The node never touches sockets directly. It sends encoded datagrams
// through a [DatagramTransport] and receives inbound datagrams through the
// [DatagramHandler] registered on it. Two implementations exist:
//
//   - real.UDPTransport binds a UDP socket.
//   - testing.SimulatedTransport attaches to an in-memory testing.Network,
//     used by tests and local experiments.
//
// factory.TransportFactory picks one of them from a [TransportConfig]:
//
//	f := factory.NewTransportFactory()
//	t, err := f.CreateTransport(&interfaces.TransportConfig{
//	    ListenAddress: "0.0.0.0:22527",
//	})
//	if err != nil {
//	    return err
//	}
//	t.SetHandler(func(datagram []byte, from netip.AddrPort) {
//	    // decode and post into the event loop
//	})
//
// Handlers run on the transport's read goroutine and must not block; the
// node only decodes and posts the message to its event loop.
package interfaces
