package peers

import (
	"bytes"
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
)

// Table tracks the paths to every known peer and the default peer used as
// a gateway for unknown destinations.
type Table struct {
	clock        clock.Clock
	helloTimeout time.Duration

	paths           map[crypto.PeerID][]*Path
	lastApplication map[crypto.PeerID]time.Time

	defaultPeer crypto.PeerID
	hasDefault  bool
}

// NewTable creates an empty table. A path is stale when no activity was
// recorded for longer than helloTimeout.
func NewTable(clk clock.Clock, helloTimeout time.Duration) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		clock:           clk,
		helloTimeout:    helloTimeout,
		paths:           make(map[crypto.PeerID][]*Path),
		lastApplication: make(map[crypto.PeerID]time.Time),
	}
}

// AddPath adds a path or refreshes the address and priority of an existing
// one. It reports whether the path is new.
func (t *Table) AddPath(peer crypto.PeerID, id PathID, addr netip.AddrPort, priority int16) bool {
	if p := t.find(peer, id); p != nil {
		p.Address = addr
		if p.Priority != priority {
			p.Priority = priority
			t.sort(peer)
		}
		return false
	}

	t.paths[peer] = append(t.paths[peer], &Path{
		Peer:     peer,
		ID:       id,
		Address:  addr,
		Priority: priority,
		LastSeen: t.clock.Now(),
	})
	t.sort(peer)

	logrus.WithFields(logrus.Fields{
		"function": "Table.AddPath",
		"peer":     peer.Short(),
		"path":     id.String(),
		"address":  addr.String(),
		"priority": priority,
	}).Debug("Path added")
	return true
}

// RemovePath removes a path and reports whether it existed. Removing the
// last path of the default peer unsets the default.
func (t *Table) RemovePath(peer crypto.PeerID, id PathID) bool {
	list := t.paths[peer]
	for i, p := range list {
		if p.ID != id {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(t.paths, peer)
			if t.hasDefault && t.defaultPeer == peer {
				t.UnsetDefault()
			}
		} else {
			t.paths[peer] = list
		}

		logrus.WithFields(logrus.Fields{
			"function": "Table.RemovePath",
			"peer":     peer.Short(),
			"path":     id.String(),
		}).Debug("Path removed")
		return true
	}
	return false
}

// Touch records Hello or Acknowledgement activity on a path.
func (t *Table) Touch(peer crypto.PeerID, id PathID) {
	if p := t.find(peer, id); p != nil {
		p.LastSeen = t.clock.Now()
	}
}

// IsStale reports whether the path is unknown or saw no activity within the
// hello timeout.
func (t *Table) IsStale(peer crypto.PeerID, id PathID) bool {
	p := t.find(peer, id)
	if p == nil {
		return true
	}
	return t.stale(p)
}

// IsReachable reports whether the path exists and is not stale.
func (t *Table) IsReachable(peer crypto.PeerID, id PathID) bool {
	return !t.IsStale(peer, id)
}

// SetDefault makes peer the gateway for destinations without a path.
func (t *Table) SetDefault(peer crypto.PeerID) {
	if t.hasDefault && t.defaultPeer == peer {
		return
	}
	t.defaultPeer = peer
	t.hasDefault = true

	logrus.WithFields(logrus.Fields{
		"function": "Table.SetDefault",
		"peer":     peer.Short(),
	}).Debug("Default peer set")
}

// UnsetDefault clears the default peer.
func (t *Table) UnsetDefault() {
	if !t.hasDefault {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Table.UnsetDefault",
		"peer":     t.defaultPeer.Short(),
	}).Debug("Default peer unset")

	t.defaultPeer = crypto.PeerID{}
	t.hasDefault = false
}

// Default returns the default peer, if any.
func (t *Table) Default() (crypto.PeerID, bool) {
	return t.defaultPeer, t.hasDefault
}

// Resolve returns the address of a specific path.
func (t *Table) Resolve(peer crypto.PeerID, id PathID) (netip.AddrPort, bool) {
	if p := t.find(peer, id); p != nil {
		return p.Address, true
	}
	return netip.AddrPort{}, false
}

// ResolveBest returns the address of the highest priority reachable path to
// peer, falling back to the best reachable path of the default peer.
func (t *Table) ResolveBest(peer crypto.PeerID) (netip.AddrPort, bool) {
	if addr, ok := t.best(peer); ok {
		return addr, true
	}
	if t.hasDefault && t.defaultPeer != peer {
		return t.best(t.defaultPeer)
	}
	return netip.AddrPort{}, false
}

// Paths returns a copy of the paths to peer, highest priority first.
func (t *Table) Paths(peer crypto.PeerID) []Path {
	list := t.paths[peer]
	out := make([]Path, 0, len(list))
	for _, p := range list {
		out = append(out, *p)
	}
	return out
}

// Peers returns every peer with a path of the given kind, in byte order.
func (t *Table) Peers(id PathID) []crypto.PeerID {
	var out []crypto.PeerID
	for peer := range t.paths {
		if t.find(peer, id) != nil {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// HasPath reports whether any path to peer is known.
func (t *Table) HasPath(peer crypto.PeerID) bool {
	return len(t.paths[peer]) > 0
}

// ApplicationActivity records that application traffic was exchanged with
// peer.
func (t *Table) ApplicationActivity(peer crypto.PeerID) {
	t.lastApplication[peer] = t.clock.Now()
}

// LastApplication returns the last time application traffic was exchanged
// with peer.
func (t *Table) LastApplication(peer crypto.PeerID) (time.Time, bool) {
	ts, ok := t.lastApplication[peer]
	return ts, ok
}

// ForgetApplication drops the application activity record of peer.
func (t *Table) ForgetApplication(peer crypto.PeerID) {
	delete(t.lastApplication, peer)
}

func (t *Table) best(peer crypto.PeerID) (netip.AddrPort, bool) {
	for _, p := range t.paths[peer] {
		if !t.stale(p) {
			return p.Address, true
		}
	}
	return netip.AddrPort{}, false
}

func (t *Table) stale(p *Path) bool {
	return t.clock.Now().Sub(p.LastSeen) > t.helloTimeout
}

func (t *Table) find(peer crypto.PeerID, id PathID) *Path {
	for _, p := range t.paths[peer] {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (t *Table) sort(peer crypto.PeerID) {
	list := t.paths[peer]
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority > list[j].Priority
	})
}
