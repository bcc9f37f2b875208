package discovery

import (
	"net/netip"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
)

type traversingPeer struct {
	// introduced is the candidate set of the last Unite. candidates
	// narrows to the primary once locked.
	introduced   []netip.AddrPort
	candidates   []netip.AddrPort
	primary      netip.AddrPort
	firstContact time.Time
	lastHello    time.Time
	lastAck      time.Time
}

func (p *traversingPeer) locked() bool {
	return p.primary.IsValid()
}

// targets returns the addresses Hellos are sent to.
func (p *traversingPeer) targets() []netip.AddrPort {
	if p.locked() {
		return []netip.AddrPort{p.primary}
	}
	return p.candidates
}

// Traversal lets a child establish direct paths to the peers its super
// peers introduce with Unite messages.
type Traversal struct {
	agent      *ChildrenAgent
	candidates func() []netip.AddrPort
	peers      map[crypto.PeerID]*traversingPeer
}

// NewTraversal installs the traversal hooks on agent. localCandidates
// returns this node's own addresses; it may be nil. Configured advertised
// addresses are appended to them.
func NewTraversal(agent *ChildrenAgent, localCandidates func() []netip.AddrPort) *Traversal {
	t := &Traversal{
		agent:      agent,
		candidates: localCandidates,
		peers:      make(map[crypto.PeerID]*traversingPeer),
	}

	hooks := agent.Hooks()
	hooks.Candidates = t.announce
	hooks.OnMessage = chainOnMessage(t.handle, hooks.OnMessage)
	hooks.OnHeartbeat = chainHeartbeat(hooks.OnHeartbeat, t.doHeartbeat)
	hooks.Route = t.route
	agent.SetHooks(hooks)
	return t
}

func chainOnMessage(first, next func(protocol.Message, netip.AddrPort) bool) func(protocol.Message, netip.AddrPort) bool {
	if next == nil {
		return first
	}
	return func(msg protocol.Message, from netip.AddrPort) bool {
		return first(msg, from) || next(msg, from)
	}
}

func chainHeartbeat(first, next func()) func() {
	if first == nil {
		return next
	}
	return func() {
		first()
		next()
	}
}

// Peers returns the peers currently traversed to, in byte order.
func (t *Traversal) Peers() []crypto.PeerID {
	out := make([]crypto.PeerID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sortPeerIDs(out)
	return out
}

// Candidates returns the addresses tracked for a traversing peer.
func (t *Traversal) Candidates(peer crypto.PeerID) ([]netip.AddrPort, bool) {
	tp, ok := t.peers[peer]
	if !ok {
		return nil, false
	}
	return append([]netip.AddrPort(nil), tp.candidates...), true
}

// Primary returns the address a traversing peer was locked onto.
func (t *Traversal) Primary(peer crypto.PeerID) (netip.AddrPort, bool) {
	tp, ok := t.peers[peer]
	if !ok || !tp.locked() {
		return netip.AddrPort{}, false
	}
	return tp.primary, true
}

func (t *Traversal) announce() []netip.AddrPort {
	var all []netip.AddrPort
	if t.candidates != nil {
		all = append(all, t.candidates()...)
	}
	all = normalizeAddrs(append(all, t.agent.cfg.AdvertisedAddresses...))
	if len(all) > limits.MaxCandidateAddresses {
		all = all[:limits.MaxCandidateAddresses]
	}
	return all
}

func (t *Traversal) route(recipient crypto.PeerID) (netip.AddrPort, bool) {
	tp, ok := t.peers[recipient]
	if !ok || !tp.locked() {
		return netip.AddrPort{}, false
	}
	if !t.agent.deps.Table.IsReachable(recipient, peers.PathTraversal) {
		return netip.AddrPort{}, false
	}
	return tp.primary, true
}

func (t *Traversal) handle(msg protocol.Message, from netip.AddrPort) bool {
	self := t.agent.deps.Identity.ID
	if msg.Envelope().Recipient != self {
		return false
	}

	switch m := msg.(type) {
	case *protocol.Unite:
		if !t.agent.IsSuperPeer(m.Sender) {
			return false
		}
		t.handleUnite(m)
		return true
	case *protocol.Hello:
		tp, ok := t.peers[m.Sender]
		if !ok || m.IsJoin() || !t.fresh(m.SentAt()) {
			return false
		}
		t.handleHello(m, tp, from)
		return true
	case *protocol.Acknowledgement:
		tp, ok := t.peers[m.Sender]
		if !ok || !t.fresh(m.SentAt()) {
			return false
		}
		t.handleAcknowledgement(m, tp, from)
		return true
	}
	return false
}

func (t *Traversal) fresh(sent time.Time) bool {
	return withinSkew(t.agent.deps.Scheduler.Now(), sent, t.agent.cfg.MaxClockSkew)
}

func (t *Traversal) handleUnite(m *protocol.Unite) {
	id := m.Address
	if id == t.agent.deps.Identity.ID || id.IsZero() {
		return
	}

	existing, tracked := t.peers[id]
	limit := t.agent.cfg.MaxTraversingPeers
	if !tracked && limit > 0 && len(t.peers) >= limit {
		logrus.WithFields(logrus.Fields{
			"function": "Traversal.handleUnite",
			"peer":     id.Short(),
			"limit":    limit,
		}).Debug("Too many traversing peers, ignoring unite")
		return
	}

	candidates := normalizeAddrs(m.Addresses)
	if len(candidates) == 0 {
		return
	}
	if tracked && sameAddrSet(existing.introduced, candidates) {
		return
	}
	if tracked {
		t.agent.deps.removePath(id, peers.PathTraversal)
	}

	tp := &traversingPeer{
		introduced:   candidates,
		candidates:   slices.Clone(candidates),
		firstContact: t.agent.deps.Scheduler.Now(),
	}
	t.peers[id] = tp

	logrus.WithFields(logrus.Fields{
		"function":   "Traversal.handleUnite",
		"peer":       id.Short(),
		"candidates": len(candidates),
		"via":        m.Sender.Short(),
	}).Debug("Traversing to peer")

	for _, addr := range candidates {
		t.agent.sendHello(id, addr, false, nil)
	}
}

func (t *Traversal) handleHello(m *protocol.Hello, tp *traversingPeer, from netip.AddrPort) {
	tp.lastHello = t.agent.deps.Scheduler.Now()

	ack := &protocol.Acknowledgement{
		Header: protocol.NewHeader(t.agent.cfg.NetworkID, m.Sender, t.agent.deps.Identity),
		Time:   m.Time,
	}
	t.agent.deps.send(ack, from, "Traversal.handleHello")

	if t.agent.deps.Table.IsReachable(m.Sender, peers.PathTraversal) {
		return
	}
	if containsAddr(tp.candidates, from) {
		return
	}
	tp.candidates = append(tp.candidates, from)
	t.agent.sendHello(m.Sender, from, false, nil)
}

func (t *Traversal) handleAcknowledgement(m *protocol.Acknowledgement, tp *traversingPeer, from netip.AddrPort) {
	now := t.agent.deps.Scheduler.Now()

	if tp.locked() {
		if from != tp.primary {
			logrus.WithFields(logrus.Fields{
				"function": "Traversal.handleAcknowledgement",
				"peer":     m.Sender.Short(),
				"from":     from.String(),
				"primary":  tp.primary.String(),
			}).Trace("Ignoring acknowledgement from non-primary address")
			return
		}
		tp.lastAck = now
		t.agent.deps.Table.Touch(m.Sender, peers.PathTraversal)
		return
	}

	rtt := now.Sub(m.SentAt())
	if rtt < 0 {
		rtt = 0
	}
	tp.primary = from
	tp.candidates = []netip.AddrPort{from}
	tp.lastAck = now

	if t.agent.deps.addPath(m.Sender, peers.PathTraversal, from, peers.TraversalPriority(rtt)) {
		t.agent.deps.emit(PathAdded{Peer: m.Sender, Path: peers.PathTraversal, Address: from, RTT: rtt})
	}
	t.agent.deps.Table.Touch(m.Sender, peers.PathTraversal)

	logrus.WithFields(logrus.Fields{
		"function": "Traversal.handleAcknowledgement",
		"peer":     m.Sender.Short(),
		"address":  from.String(),
		"rtt":      rtt.String(),
	}).Info("Direct path established")
}

func (t *Traversal) doHeartbeat() {
	now := t.agent.deps.Scheduler.Now()
	table := t.agent.deps.Table
	cfg := t.agent.cfg

	for _, id := range t.Peers() {
		tp := t.peers[id]

		isNew := now.Sub(tp.firstContact) < cfg.TraversalGracePeriod
		last, ok := table.LastApplication(id)
		recentTraffic := ok && now.Sub(last) < cfg.PingCommunicationTimeout
		reachable := table.IsReachable(id, peers.PathTraversal)

		if !isNew && !recentTraffic && !reachable {
			delete(t.peers, id)
			t.agent.deps.removePath(id, peers.PathTraversal)
			table.ForgetApplication(id)

			logrus.WithFields(logrus.Fields{
				"function": "Traversal.doHeartbeat",
				"peer":     id.Short(),
			}).Debug("Traversing peer is stale")
			continue
		}

		for _, addr := range tp.targets() {
			t.agent.sendHello(id, addr, false, nil)
		}
	}
}
