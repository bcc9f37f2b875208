// Package testing provides an in-memory datagram network for deterministic
// tests of meshlink nodes.
//
// # Overview
//
// A [Network] routes datagrams between [SimulatedTransport] endpoints
// without touching the operating system. Each endpoint implements
// interfaces.DatagramTransport, so the same node code runs on the
// simulation and on real UDP sockets.
//
// # NAT
//
// Endpoints created with [Network.AttachBehindNAT] model a full-cone NAT:
// their private address is unreachable from the network, every datagram they
// send appears to come from the public address, and datagrams sent to the
// public address are delivered to them. This is enough to exercise
// rendezvous and traversal, where peers learn each other's public address
// through a super peer.
//
// # Usage
//
//	net := testing.NewNetwork()
//	a, _ := net.Attach(netip.MustParseAddrPort("10.0.0.1:22527"))
//	b, _ := net.Attach(netip.MustParseAddrPort("10.0.0.2:22527"))
//	b.SetHandler(func(d []byte, from netip.AddrPort) { ... })
//	_ = a.Send([]byte("hello"), b.LocalAddr())
//
//	for _, rec := range net.DeliveryLog() {
//	    // inspect rec.From, rec.To, rec.Size, rec.Success
//	}
//
// # Thread Safety
//
// All methods are safe for concurrent use. Handlers are invoked on the
// sender's goroutine.
package testing
