// Package discovery implements the overlay's peer discovery protocol.
//
// A child node runs a ChildrenAgent that periodically registers with its
// configured super peers, measures their round trip time and elects the
// best one as default gateway. A super peer runs a SuperPeerAgent that
// accepts registrations, relays messages between its children and evicts
// children that stopped sending Hellos.
//
// Traversal and Rendezvous are optional extensions. Rendezvous hooks into
// the super peer's relay step and introduces two children that talk through
// it with Unite messages. Traversal hooks into the children agent, sends Hellos to
// the addresses named in a Unite and locks onto the first one that answers,
// giving the pair a direct path that outranks the relay.
//
// Agents are not safe for concurrent use. They are driven by one event loop:
// messages are handed to Handle and timers are created on the loop's
// Scheduler.
//
//	agent, err := discovery.NewChildrenAgent(cfg, deps)
//	if err != nil {
//	    return err
//	}
//	discovery.NewTraversal(agent, candidates)
//	agent.Start()
//	defer agent.Stop()
package discovery
