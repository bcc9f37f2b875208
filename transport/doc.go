// Package transport turns a datagram transport into a message endpoint.
//
// An Endpoint encodes outbound protocol messages, arms application payloads
// sent by the local node, and decodes inbound datagrams. Malformed datagrams
// and messages for other overlay networks are dropped with a debug log.
// Decoded messages are handed to the installed handler through the
// endpoint's executor, which is normally the node's event loop.
//
// Example:
//
//	ep := transport.NewEndpoint(udp, transport.EndpointOptions{
//	    NetworkID: 1,
//	    Keyring:   ring,
//	    Post:      lp.Post,
//	})
//	ep.SetHandler(func(msg protocol.Message, from netip.AddrPort) {
//	    switch m := msg.(type) {
//	    case *protocol.Hello:
//	        ...
//	    }
//	})
package transport
