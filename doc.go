// Package meshlink implements a peer-to-peer overlay node.
//
// Nodes are addressed by the Ed25519 public keys of their identities. A
// child registers with one or more super peers, uses the one with the lowest
// round-trip time as gateway and establishes direct paths to other children
// when a super peer introduces them. A super peer keeps a registry of its
// children, relays traffic between them and arranges the introductions.
//
// # Getting Started
//
//	options := meshlink.NewOptions()
//	options.Discovery.SuperPeers = []discovery.SuperPeerConfig{
//	    {ID: superPeerID, Host: "sp.example.org:22527"},
//	}
//
//	node, err := meshlink.NewNode(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnApplication(func(peer crypto.PeerID, payload []byte) {
//	    fmt.Printf("%s: %s\n", peer.Short(), payload)
//	})
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = node.Send(ctx, peer, []byte("hello"))
//
// # Connections
//
// With Options.Connections set, application payloads carry handshake
// segments instead of raw datagrams and peers talk over [Conn]:
//
//	conn, err := node.Dial(ctx, peer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//	err = conn.Write(ctx, []byte("ping"))
//
// The remote side receives the connection from [Node.Accept].
//
// # Concurrency
//
// Each node runs its agents, timers and handshake sessions on a single event
// loop. Exported methods are safe for concurrent use; callbacks installed
// with OnApplication and OnEvent run on the loop and must not block.
//
// # Testing
//
// NewNodeWithTransport accepts any interfaces.DatagramTransport, including
// the in-memory network of the testing package, which models full-cone NATs.
package meshlink
