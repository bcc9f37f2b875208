package discovery

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/protocol"
)

// RendezvousCacheSize bounds the number of pairs remembered for the
// cooldown.
const RendezvousCacheSize = 1000

// pairKey is an unordered pair of peers.
type pairKey struct {
	low, high crypto.PeerID
}

func newPairKey(a, b crypto.PeerID) pairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

// Rendezvous introduces two children of a super peer to each other after
// the super peer relayed traffic between them.
type Rendezvous struct {
	agent *SuperPeerAgent
	// recent is nil when rendezvous is disabled.
	recent *expirable.LRU[pairKey, struct{}]
}

// NewRendezvous installs itself as the agent's AfterRelay hook. A zero
// cooldown disables rendezvous.
func NewRendezvous(agent *SuperPeerAgent, cooldown time.Duration) *Rendezvous {
	r := &Rendezvous{agent: agent}
	if cooldown > 0 {
		r.recent = expirable.NewLRU[pairKey, struct{}](RendezvousCacheSize, nil, cooldown)
	}

	next := agent.AfterRelay
	agent.AfterRelay = func(sender, recipient crypto.PeerID) {
		if next != nil {
			next(sender, recipient)
		}
		r.afterRelay(sender, recipient)
	}
	return r
}

// Enabled reports whether rendezvous is initiated at all.
func (r *Rendezvous) Enabled() bool {
	return r.recent != nil
}

func (r *Rendezvous) afterRelay(sender, recipient crypto.PeerID) {
	if r.recent == nil || sender == recipient {
		return
	}
	senderCandidates, ok := r.agent.Candidates(sender)
	if !ok {
		return
	}
	recipientCandidates, ok := r.agent.Candidates(recipient)
	if !ok {
		return
	}

	key := newPairKey(sender, recipient)
	if _, seen := r.recent.Peek(key); seen {
		return
	}
	r.recent.Add(key, struct{}{})

	r.sendUnite(sender, recipient, recipientCandidates)
	r.sendUnite(recipient, sender, senderCandidates)

	r.agent.deps.Metrics.RendezvousInitiated()
	r.agent.deps.emit(RendezvousInitiated{A: sender, B: recipient})

	logrus.WithFields(logrus.Fields{
		"function":  "Rendezvous.afterRelay",
		"sender":    sender.Short(),
		"recipient": recipient.Short(),
	}).Debug("Initiated rendezvous")
}

// sendUnite tells to that peer is reachable at candidates.
func (r *Rendezvous) sendUnite(to, peer crypto.PeerID, candidates []netip.AddrPort) {
	addr, ok := r.agent.Route(to)
	if !ok {
		return
	}
	if len(candidates) > limits.MaxUniteAddresses {
		candidates = candidates[:limits.MaxUniteAddresses]
	}
	unite := &protocol.Unite{
		Header:    protocol.NewHeader(r.agent.cfg.NetworkID, to, r.agent.deps.Identity),
		Address:   peer,
		Addresses: candidates,
	}
	r.agent.deps.send(unite, addr, "Rendezvous.sendUnite")
}
