package discovery

import (
	"net/netip"
	"time"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/peers"
)

// Event is a notification emitted by an agent. It is one of the types
// below.
type Event interface {
	isEvent()
}

// SuperPeerChanged reports a new default super peer. Previous is zero when
// there was none.
type SuperPeerChanged struct {
	Previous crypto.PeerID
	Current  crypto.PeerID
	RTT      time.Duration
}

// AllSuperPeersStale reports that no super peer is usable any more.
type AllSuperPeersStale struct {
	Previous crypto.PeerID
}

// PathAdded reports a new path.
type PathAdded struct {
	Peer    crypto.PeerID
	Path    peers.PathID
	Address netip.AddrPort
	RTT     time.Duration
}

// RTTUpdated reports a new round trip sample on an existing path.
type RTTUpdated struct {
	Peer crypto.PeerID
	Path peers.PathID
	RTT  time.Duration
}

// PathRemoved reports a path that went stale or was replaced.
type PathRemoved struct {
	Peer crypto.PeerID
	Path peers.PathID
}

// ChildJoined reports a new child registration on a super peer.
type ChildJoined struct {
	Peer    crypto.PeerID
	Address netip.AddrPort
}

// ChildLeft reports an evicted child.
type ChildLeft struct {
	Peer crypto.PeerID
}

// RelayDropped reports a message that reached the hop limit.
type RelayDropped struct {
	Sender    crypto.PeerID
	Recipient crypto.PeerID
	HopCount  uint8
}

// RendezvousInitiated reports that two children were sent Unite messages.
type RendezvousInitiated struct {
	A, B crypto.PeerID
}

func (SuperPeerChanged) isEvent()    {}
func (AllSuperPeersStale) isEvent()  {}
func (PathAdded) isEvent()           {}
func (RTTUpdated) isEvent()          {}
func (PathRemoved) isEvent()         {}
func (ChildJoined) isEvent()         {}
func (ChildLeft) isEvent()           {}
func (RelayDropped) isEvent()        {}
func (RendezvousInitiated) isEvent() {}
