package discovery

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/loop"
	"github.com/opd-ai/meshlink/metrics"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
	"github.com/opd-ai/meshlink/transport"
)

// ApplicationHandler receives application messages addressed to this node.
type ApplicationHandler func(msg *protocol.Application, from netip.AddrPort)

// Deps are the collaborators shared by the agents of one node.
type Deps struct {
	Identity  *crypto.Identity
	Table     *peers.Table
	Scheduler loop.Scheduler
	Sender    transport.Sender

	// Events receives notifications. Optional.
	Events func(Event)
	// Application receives application messages for this node. Optional.
	Application ApplicationHandler
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Post runs a closure on the goroutine that owns the agents. When set,
	// host names are resolved on their own goroutine and the result is
	// posted back. When nil they are resolved inline.
	Post func(func()) bool
}

func (d Deps) validate() error {
	switch {
	case d.Identity == nil:
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	case d.Table == nil:
		return fmt.Errorf("%w: path table is required", ErrInvalidConfig)
	case d.Scheduler == nil:
		return fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	case d.Sender == nil:
		return fmt.Errorf("%w: sender is required", ErrInvalidConfig)
	}
	return nil
}

func (d Deps) emit(ev Event) {
	if d.Events != nil {
		d.Events(ev)
	}
}

func (d Deps) addPath(peer crypto.PeerID, id peers.PathID, addr netip.AddrPort, priority int16) bool {
	added := d.Table.AddPath(peer, id, addr, priority)
	if added {
		d.Metrics.PathAdded(id.String())
	}
	return added
}

func (d Deps) removePath(peer crypto.PeerID, id peers.PathID) bool {
	removed := d.Table.RemovePath(peer, id)
	if removed {
		d.Metrics.PathRemoved(id.String())
		d.emit(PathRemoved{Peer: peer, Path: id})
	}
	return removed
}

// deliver records application activity and passes msg to the application
// handler.
func (d Deps) deliver(msg *protocol.Application, from netip.AddrPort) {
	d.Table.ApplicationActivity(msg.Sender)
	if d.Application != nil {
		d.Application(msg, from)
	}
}

func (d Deps) send(msg protocol.Message, to netip.AddrPort, function string) {
	if err := d.Sender.Send(msg, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  function,
			"kind":      msg.Kind().String(),
			"recipient": msg.Envelope().Recipient.Short(),
			"to":        to.String(),
			"error":     err.Error(),
		}).Warn("Failed to send message")
	}
}

// Resolver maps a configured "host:port" to an address.
type Resolver func(host string) (netip.AddrPort, error)

// DefaultResolver parses literal addresses and falls back to a DNS lookup,
// which may block.
func DefaultResolver(host string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return protocol.NormalizeAddr(ap), nil
	}
	udp, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return protocol.NormalizeAddr(udp.AddrPort()), nil
}

// withinSkew reports whether a timestamp is no further than skew from now.
func withinSkew(now, sent time.Time, skew time.Duration) bool {
	d := now.Sub(sent)
	if d < 0 {
		d = -d
	}
	return d <= skew
}

// randomDelay returns a delay in [0, max).
func randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func dropUnexpected(function string, msg protocol.Message, from netip.AddrPort, reason string) {
	h := msg.Envelope()
	logrus.WithFields(logrus.Fields{
		"function":  function,
		"kind":      msg.Kind().String(),
		"sender":    h.Sender.Short(),
		"recipient": h.Recipient.Short(),
		"from":      from.String(),
		"reason":    reason,
	}).Debug("Dropped unexpected message")
}
