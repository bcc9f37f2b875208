package discovery

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/loop"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
)

type childrenPeer struct {
	publicAddress     netip.AddrPort
	privateCandidates []netip.AddrPort
	registeredUntil   time.Time
}

// candidates returns the public address followed by the private
// candidates, without duplicates.
func (c *childrenPeer) candidates() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, 1+len(c.privateCandidates))
	out = append(out, c.publicAddress)
	for _, ap := range c.privateCandidates {
		if !containsAddr(out, ap) {
			out = append(out, ap)
		}
	}
	return out
}

// SuperPeerAgent accepts child registrations and relays messages between
// children.
type SuperPeerAgent struct {
	cfg  Config
	deps Deps

	children   map[crypto.PeerID]*childrenPeer
	staleCheck loop.Timer

	// AfterRelay runs after a message from sender was forwarded to
	// recipient.
	AfterRelay func(sender, recipient crypto.PeerID)
}

// NewSuperPeerAgent creates a super peer agent.
func NewSuperPeerAgent(cfg Config, deps Deps) (*SuperPeerAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &SuperPeerAgent{
		cfg:      cfg,
		deps:     deps,
		children: make(map[crypto.PeerID]*childrenPeer),
	}, nil
}

// Start schedules the stale check with a random phase.
func (a *SuperPeerAgent) Start() {
	initial := randomDelay(a.cfg.HelloInterval)
	a.staleCheck = loop.Every(a.deps.Scheduler, initial, a.cfg.HelloInterval, a.doStaleCheck)

	logrus.WithFields(logrus.Fields{
		"function": "SuperPeerAgent.Start",
		"interval": a.cfg.HelloInterval.String(),
	}).Info("Super peer agent started")
}

// Stop cancels the stale check.
func (a *SuperPeerAgent) Stop() {
	if a.staleCheck == nil {
		return
	}
	a.staleCheck.Stop()
	a.staleCheck = nil

	logrus.WithFields(logrus.Fields{
		"function": "SuperPeerAgent.Stop",
	}).Info("Super peer agent stopped")
}

// Children returns the registered children in byte order.
func (a *SuperPeerAgent) Children() []crypto.PeerID {
	out := make([]crypto.PeerID, 0, len(a.children))
	for id := range a.children {
		out = append(out, id)
	}
	sortPeerIDs(out)
	return out
}

// Candidates returns the addresses a child is known under: its public
// address first, then its private candidates.
func (a *SuperPeerAgent) Candidates(child crypto.PeerID) ([]netip.AddrPort, bool) {
	c, ok := a.children[child]
	if !ok {
		return nil, false
	}
	return c.candidates(), true
}

// Route returns the address of a registered child.
func (a *SuperPeerAgent) Route(recipient crypto.PeerID) (netip.AddrPort, bool) {
	if _, ok := a.children[recipient]; !ok {
		return netip.AddrPort{}, false
	}
	return a.deps.Table.Resolve(recipient, peers.PathChildren)
}

// Handle processes one inbound message.
func (a *SuperPeerAgent) Handle(msg protocol.Message, from netip.AddrPort) {
	self := a.deps.Identity.ID
	h := msg.Envelope()

	if hello, ok := msg.(*protocol.Hello); ok && hello.Recipient == self && hello.IsJoin() {
		a.handleJoin(hello, from)
		return
	}

	if h.Recipient == self {
		if app, ok := msg.(*protocol.Application); ok {
			a.deps.deliver(app, from)
			return
		}
		a.deps.Metrics.MessageDropped("unexpected")
		dropUnexpected("SuperPeerAgent.Handle", msg, from, "not a registration")
		return
	}

	if _, ok := a.children[h.Recipient]; ok {
		a.relay(msg)
		return
	}

	a.deps.Metrics.MessageDropped("unknown_recipient")
	dropUnexpected("SuperPeerAgent.Handle", msg, from, "recipient is not a child")
}

func (a *SuperPeerAgent) handleJoin(hello *protocol.Hello, from netip.AddrPort) {
	now := a.deps.Scheduler.Now()
	switch {
	case !withinSkew(now, hello.SentAt(), a.cfg.MaxClockSkew):
		a.deps.Metrics.MessageDropped("clock_skew")
		dropUnexpected("SuperPeerAgent.handleJoin", hello, from, "timestamp outside clock skew")
		return
	case !hello.ProofOfWork.IsValid(hello.Sender, a.cfg.PowDifficulty):
		a.deps.Metrics.MessageDropped("proof_of_work")
		dropUnexpected("SuperPeerAgent.handleJoin", hello, from, "invalid proof of work")
		return
	case !hello.VerifySignature():
		a.deps.Metrics.MessageDropped("signature")
		dropUnexpected("SuperPeerAgent.handleJoin", hello, from, "invalid signature")
		return
	}

	child, known := a.children[hello.Sender]
	if !known {
		child = &childrenPeer{}
		a.children[hello.Sender] = child
	}
	child.publicAddress = from
	child.privateCandidates = normalizeAddrs(hello.Addresses)
	child.registeredUntil = now.Add(time.Duration(hello.ChildrenTime) * time.Second)

	a.deps.addPath(hello.Sender, peers.PathChildren, from, peers.PriorityChildren)
	a.deps.Table.Touch(hello.Sender, peers.PathChildren)

	ack := &protocol.Acknowledgement{
		Header: protocol.NewHeader(a.cfg.NetworkID, hello.Sender, a.deps.Identity),
		Time:   hello.Time,
	}
	a.deps.send(ack, from, "SuperPeerAgent.handleJoin")

	if !known {
		a.deps.Metrics.ChildJoined()
		a.deps.emit(ChildJoined{Peer: hello.Sender, Address: from})
		logrus.WithFields(logrus.Fields{
			"function":   "SuperPeerAgent.handleJoin",
			"child":      hello.Sender.Short(),
			"address":    from.String(),
			"candidates": len(child.privateCandidates),
		}).Info("Child joined")
	}
}

func (a *SuperPeerAgent) relay(msg protocol.Message) {
	h := msg.Envelope()
	addr, ok := a.deps.Table.Resolve(h.Recipient, peers.PathChildren)
	if !ok {
		a.deps.Metrics.MessageDropped("no_path")
		return
	}

	if h.HopCount >= a.cfg.HopLimit {
		a.deps.Metrics.RelayDropped()
		a.deps.emit(RelayDropped{Sender: h.Sender, Recipient: h.Recipient, HopCount: h.HopCount})
		logrus.WithFields(logrus.Fields{
			"function":  "SuperPeerAgent.relay",
			"sender":    h.Sender.Short(),
			"recipient": h.Recipient.Short(),
			"hop_count": h.HopCount,
		}).Debug("Hop limit reached, dropping message")
		return
	}

	h.HopCount++
	if err := a.deps.Sender.Send(msg, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "SuperPeerAgent.relay",
			"recipient": h.Recipient.Short(),
			"to":        addr.String(),
			"error":     err.Error(),
		}).Warn("Failed to relay message")
		return
	}
	a.deps.Metrics.Relayed()

	logrus.WithFields(logrus.Fields{
		"function":  "SuperPeerAgent.relay",
		"kind":      msg.Kind().String(),
		"sender":    h.Sender.Short(),
		"recipient": h.Recipient.Short(),
		"to":        addr.String(),
	}).Trace("Relayed message")

	if a.AfterRelay != nil {
		a.AfterRelay(h.Sender, h.Recipient)
	}
}

func (a *SuperPeerAgent) doStaleCheck() {
	now := a.deps.Scheduler.Now()
	for _, id := range a.Children() {
		child := a.children[id]
		if !a.deps.Table.IsStale(id, peers.PathChildren) && now.Before(child.registeredUntil) {
			continue
		}

		delete(a.children, id)
		a.deps.removePath(id, peers.PathChildren)
		a.deps.Metrics.ChildLeft()
		a.deps.emit(ChildLeft{Peer: id})

		logrus.WithFields(logrus.Fields{
			"function": "SuperPeerAgent.doStaleCheck",
			"child":    id.Short(),
		}).Debug("Child is stale")
	}
}
