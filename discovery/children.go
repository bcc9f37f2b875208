package discovery

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/loop"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
)

// Hooks are the extension points of a ChildrenAgent. Every hook is
// optional.
type Hooks struct {
	// Candidates returns the addresses announced in join Hellos.
	Candidates func() []netip.AddrPort
	// OnMessage sees every message the agent does not consume itself. It
	// reports whether it consumed the message.
	OnMessage func(msg protocol.Message, from netip.AddrPort) bool
	// OnHeartbeat runs at the end of every heartbeat.
	OnHeartbeat func()
	// Route may supply a direct address for a recipient.
	Route func(recipient crypto.PeerID) (netip.AddrPort, bool)
}

type superPeer struct {
	id         crypto.PeerID
	host       string
	literal    bool
	resolving  bool
	address    netip.AddrPort
	firstHello time.Time
	lastAck    time.Time
	rtt        time.Duration
}

func (sp *superPeer) isStale(now time.Time, timeout time.Duration) bool {
	latest := sp.firstHello
	if sp.lastAck.After(latest) {
		latest = sp.lastAck
	}
	return latest.Before(now.Add(-timeout))
}

func (sp *superPeer) acknowledged() bool {
	return !sp.lastAck.IsZero()
}

// ChildrenAgent registers this node with its super peers and keeps the
// best one elected as default gateway.
type ChildrenAgent struct {
	cfg      Config
	deps     Deps
	resolver Resolver
	hooks    Hooks

	superPeers map[crypto.PeerID]*superPeer
	order      []crypto.PeerID
	heartbeat  loop.Timer
}

// NewChildrenAgent creates an agent for the super peers in cfg.
func NewChildrenAgent(cfg Config, deps Deps) (*ChildrenAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &ChildrenAgent{
		cfg:        cfg,
		deps:       deps,
		resolver:   DefaultResolver,
		superPeers: make(map[crypto.PeerID]*superPeer, len(cfg.SuperPeers)),
	}, nil
}

// SetResolver replaces the host resolver. Must be called before Start.
func (a *ChildrenAgent) SetResolver(r Resolver) {
	a.resolver = r
}

// Hooks returns the installed extension points.
func (a *ChildrenAgent) Hooks() Hooks {
	return a.hooks
}

// SetHooks replaces the extension points.
func (a *ChildrenAgent) SetHooks(h Hooks) {
	a.hooks = h
}

// Start resets the super peer paths and schedules the heartbeat.
func (a *ChildrenAgent) Start() {
	a.superPeers = make(map[crypto.PeerID]*superPeer, len(a.cfg.SuperPeers))
	a.order = a.order[:0]
	for _, sp := range a.cfg.SuperPeers {
		rec := &superPeer{id: sp.ID, host: sp.Host}
		if ap, err := netip.ParseAddrPort(sp.Host); err == nil {
			rec.address = protocol.NormalizeAddr(ap)
			rec.literal = true
		}
		a.superPeers[sp.ID] = rec
		a.order = append(a.order, sp.ID)
		a.deps.Table.RemovePath(sp.ID, peers.PathSuperPeer)
	}

	initial := a.cfg.HeartbeatInitialDelay
	if initial == 0 {
		initial = randomDelay(a.cfg.HelloInterval)
	}
	a.heartbeat = loop.Every(a.deps.Scheduler, initial, a.cfg.HelloInterval, a.doHeartbeat)

	logrus.WithFields(logrus.Fields{
		"function":      "ChildrenAgent.Start",
		"super_peers":   len(a.order),
		"initial_delay": initial.String(),
		"interval":      a.cfg.HelloInterval.String(),
	}).Info("Children agent started")
}

// Stop cancels the heartbeat.
func (a *ChildrenAgent) Stop() {
	if a.heartbeat == nil {
		return
	}
	a.heartbeat.Stop()
	a.heartbeat = nil

	logrus.WithFields(logrus.Fields{
		"function": "ChildrenAgent.Stop",
	}).Info("Children agent stopped")
}

// IsSuperPeer reports whether id is a configured super peer.
func (a *ChildrenAgent) IsSuperPeer(id crypto.PeerID) bool {
	_, ok := a.superPeers[id]
	return ok
}

// SuperPeerRTT returns the last measured round trip time of a super peer.
func (a *ChildrenAgent) SuperPeerRTT(id crypto.PeerID) (time.Duration, bool) {
	sp, ok := a.superPeers[id]
	if !ok || !sp.acknowledged() {
		return 0, false
	}
	return sp.rtt, true
}

// Handle processes one inbound message.
func (a *ChildrenAgent) Handle(msg protocol.Message, from netip.AddrPort) {
	if ack, ok := msg.(*protocol.Acknowledgement); ok && a.isSuperPeerAcknowledgement(ack) {
		a.handleAcknowledgement(ack, from)
		return
	}
	if a.hooks.OnMessage != nil && a.hooks.OnMessage(msg, from) {
		return
	}

	self := a.deps.Identity.ID
	switch m := msg.(type) {
	case *protocol.Application:
		if m.Recipient == self {
			a.deps.deliver(m, from)
			return
		}
	case *protocol.Hello:
		if m.Recipient.IsZero() {
			logrus.WithFields(logrus.Fields{
				"function": "ChildrenAgent.Handle",
				"sender":   m.Sender.Short(),
			}).Trace("Ignoring broadcast hello")
			return
		}
	}

	a.deps.Metrics.MessageDropped("unexpected")
	dropUnexpected("ChildrenAgent.Handle", msg, from, "not handled by children agent")
}

// Route returns the address a message for recipient should be sent to: the
// well-known address of a super peer, a direct path, or the elected super
// peer as default gateway.
func (a *ChildrenAgent) Route(recipient crypto.PeerID) (netip.AddrPort, bool) {
	if sp, ok := a.superPeers[recipient]; ok && sp.address.IsValid() {
		return sp.address, true
	}
	if a.hooks.Route != nil {
		if addr, ok := a.hooks.Route(recipient); ok {
			return addr, true
		}
	}
	return a.deps.Table.ResolveBest(recipient)
}

func (a *ChildrenAgent) isSuperPeerAcknowledgement(ack *protocol.Acknowledgement) bool {
	if _, ok := a.superPeers[ack.Sender]; !ok {
		return false
	}
	return ack.Recipient == a.deps.Identity.ID &&
		withinSkew(a.deps.Scheduler.Now(), ack.SentAt(), a.cfg.MaxClockSkew)
}

func (a *ChildrenAgent) handleAcknowledgement(ack *protocol.Acknowledgement, from netip.AddrPort) {
	now := a.deps.Scheduler.Now()
	sp := a.superPeers[ack.Sender]

	rtt := now.Sub(ack.SentAt())
	if rtt < 0 {
		rtt = 0
	}
	sp.rtt = rtt
	sp.lastAck = now
	a.deps.Metrics.SuperPeerRTT(sp.id.Short(), rtt.Seconds())

	if _, ok := a.deps.Table.Default(); !ok {
		a.deps.Table.SetDefault(sp.id)
		a.deps.emit(SuperPeerChanged{Current: sp.id, RTT: rtt})
	}

	if a.deps.addPath(sp.id, peers.PathSuperPeer, from, peers.PrioritySuperPeer) {
		a.deps.emit(PathAdded{Peer: sp.id, Path: peers.PathSuperPeer, Address: from, RTT: rtt})
	} else {
		a.deps.emit(RTTUpdated{Peer: sp.id, Path: peers.PathSuperPeer, RTT: rtt})
	}
	a.deps.Table.Touch(sp.id, peers.PathSuperPeer)

	logrus.WithFields(logrus.Fields{
		"function":   "ChildrenAgent.handleAcknowledgement",
		"super_peer": sp.id.Short(),
		"rtt":        rtt.String(),
	}).Debug("Super peer acknowledged hello")

	a.elect()
}

// elect makes the non-stale super peer with the lowest round trip time the
// default. Stale super peers lose their path.
func (a *ChildrenAgent) elect() {
	now := a.deps.Scheduler.Now()
	previous, hadPrevious := a.deps.Table.Default()

	var best *superPeer
	for _, id := range a.order {
		sp := a.superPeers[id]
		if sp.isStale(now, a.cfg.HelloTimeout) {
			if a.deps.removePath(id, peers.PathSuperPeer) {
				logrus.WithFields(logrus.Fields{
					"function":   "ChildrenAgent.elect",
					"super_peer": id.Short(),
				}).Debug("Super peer is stale")
			}
			continue
		}
		if !sp.acknowledged() {
			continue
		}
		if best == nil || sp.rtt < best.rtt {
			best = sp
		}
	}

	if best == nil {
		if hadPrevious {
			a.deps.Table.UnsetDefault()
			a.deps.emit(AllSuperPeersStale{Previous: previous})
			logrus.WithFields(logrus.Fields{
				"function": "ChildrenAgent.elect",
				"previous": previous.Short(),
			}).Info("All super peers are stale")
		}
		return
	}

	if current, ok := a.deps.Table.Default(); ok && current == best.id {
		return
	}
	a.deps.Table.SetDefault(best.id)
	if !hadPrevious {
		previous = crypto.PeerID{}
	}
	a.deps.emit(SuperPeerChanged{Previous: previous, Current: best.id, RTT: best.rtt})

	logrus.WithFields(logrus.Fields{
		"function": "ChildrenAgent.elect",
		"previous": previous.Short(),
		"current":  best.id.Short(),
		"rtt":      best.rtt.String(),
	}).Info("Elected new super peer")
}

func (a *ChildrenAgent) doHeartbeat() {
	a.elect()

	candidates := a.candidates()
	for _, id := range a.order {
		sp := a.superPeers[id]
		a.resolve(sp)
		if !sp.address.IsValid() {
			continue
		}
		a.join(sp, candidates)
	}

	if a.hooks.OnHeartbeat != nil {
		a.hooks.OnHeartbeat()
	}
}

func (a *ChildrenAgent) candidates() []netip.AddrPort {
	if a.hooks.Candidates == nil {
		return nil
	}
	candidates := a.hooks.Candidates()
	if len(candidates) > limits.MaxCandidateAddresses {
		candidates = candidates[:limits.MaxCandidateAddresses]
	}
	return candidates
}

func (a *ChildrenAgent) join(sp *superPeer, candidates []netip.AddrPort) {
	if sp.firstHello.IsZero() {
		sp.firstHello = a.deps.Scheduler.Now()
	}
	a.sendHello(sp.id, sp.address, true, candidates)
}

// resolve refreshes the address of a super peer configured by host name.
// With Deps.Post the lookup runs off the loop and at most one is in flight
// per super peer; the heartbeat keeps using the last known address.
func (a *ChildrenAgent) resolve(sp *superPeer) {
	if sp.literal {
		return
	}
	if a.deps.Post == nil {
		addr, err := a.resolver(sp.host)
		a.resolved(sp, addr, err)
		return
	}
	if sp.resolving {
		return
	}
	sp.resolving = true

	resolver, host := a.resolver, sp.host
	go func() {
		addr, err := resolver(host)
		a.deps.Post(func() {
			sp.resolving = false
			if a.heartbeat == nil || a.superPeers[sp.id] != sp {
				return
			}
			first := !sp.address.IsValid()
			a.resolved(sp, addr, err)
			// Join right away instead of waiting a full interval.
			if first && sp.address.IsValid() {
				a.join(sp, a.candidates())
			}
		})
	}()
}

func (a *ChildrenAgent) resolved(sp *superPeer, addr netip.AddrPort, err error) {
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ChildrenAgent.resolve",
			"super_peer": sp.id.Short(),
			"host":       sp.host,
			"error":      err.Error(),
		}).Warn("Failed to resolve super peer")
		return
	}
	sp.address = addr
}

// sendHello sends a Hello to recipient. Join Hellos are signed and carry the
// candidate addresses.
func (a *ChildrenAgent) sendHello(recipient crypto.PeerID, to netip.AddrPort, join bool, candidates []netip.AddrPort) {
	hello := &protocol.Hello{
		Header:    protocol.NewHeader(a.cfg.NetworkID, recipient, a.deps.Identity),
		Time:      a.deps.Scheduler.Now().UnixMilli(),
		Addresses: candidates,
	}
	if join {
		hello.ChildrenTime = int64(a.cfg.ChildrenLifetime / time.Second)
		if err := hello.Sign(a.deps.Identity); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "ChildrenAgent.sendHello",
				"recipient": recipient.Short(),
				"error":     err.Error(),
			}).Error("Failed to sign hello")
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ChildrenAgent.sendHello",
		"recipient": recipient.Short(),
		"to":        to.String(),
		"join":      join,
	}).Trace("Sending hello")

	a.deps.send(hello, to, "ChildrenAgent.sendHello")
}
