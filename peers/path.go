// Package peers implements the path table shared by the discovery agents.
//
// A peer may be reachable over several paths at once, one per discovery
// mechanism. Paths are kept ordered by priority, highest first. The table
// holds no locks: it is owned by the event loop of its node.
package peers

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/meshlink/crypto"
)

// PathID names the mechanism that discovered a path.
type PathID uint8

const (
	// PathUnconfirmed is an address learned without any confirmation.
	PathUnconfirmed PathID = iota
	// PathSuperPeer is a child's path to one of its super peers.
	PathSuperPeer
	// PathChildren is a super peer's path to a registered child.
	PathChildren
	// PathTraversal is a direct path found by traversal.
	PathTraversal
)

func (id PathID) String() string {
	switch id {
	case PathUnconfirmed:
		return "unconfirmed"
	case PathSuperPeer:
		return "super-peer"
	case PathChildren:
		return "children"
	case PathTraversal:
		return "traversal"
	default:
		return fmt.Sprintf("PathID(%d)", uint8(id))
	}
}

// Path priorities. Higher wins. Direct paths always outrank relay
// registrations, which outrank unconfirmed addresses.
const (
	PriorityUnconfirmed   int16 = 0
	PrioritySuperPeer     int16 = 50
	PriorityChildren      int16 = 50
	PriorityTraversalBase int16 = 100
	PriorityTraversalMin  int16 = 51
)

// rttBucket is the RTT step that costs one priority point.
const rttBucket = 10 * time.Millisecond

// TraversalPriority ranks a direct path by its round-trip time.
func TraversalPriority(rtt time.Duration) int16 {
	if rtt < 0 {
		rtt = 0
	}
	penalty := int64(rtt / rttBucket)
	if penalty > int64(PriorityTraversalBase-PriorityTraversalMin) {
		return PriorityTraversalMin
	}
	return PriorityTraversalBase - int16(penalty)
}

// Path is one route to a peer.
type Path struct {
	Peer     crypto.PeerID
	ID       PathID
	Address  netip.AddrPort
	Priority int16
	// LastSeen is the time of the last Hello or Acknowledgement observed
	// over this path.
	LastSeen time.Time
}
