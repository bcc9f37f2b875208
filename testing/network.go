package testing

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/interfaces"
	"github.com/opd-ai/meshlink/protocol"
)

var (
	// ErrAddressInUse is returned when attaching to an occupied address.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNoRoute is recorded for datagrams sent to an address without an
	// endpoint. Send itself succeeds, as UDP would.
	ErrNoRoute = errors.New("no endpoint at address")
	// ErrDropped is recorded for datagrams discarded by the drop filter.
	ErrDropped = errors.New("dropped by filter")
)

// DeliveryRecord represents a datagram delivery event for test verification.
type DeliveryRecord struct {
	From      netip.AddrPort
	To        netip.AddrPort
	Size      int
	Timestamp int64
	Success   bool
	Error     error
}

// DropFilter decides whether a datagram is lost.
type DropFilter func(from, to netip.AddrPort, datagram []byte) bool

// Network is an in-memory datagram network.
type Network struct {
	mu          sync.RWMutex
	endpoints   map[netip.AddrPort]*SimulatedTransport
	deliveryLog []DeliveryRecord
	dropFilter  DropFilter
	nextPort    uint16
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	logrus.WithFields(logrus.Fields{
		"function": "NewNetwork",
	}).Info("Creating simulated datagram network")

	return &Network{
		endpoints: make(map[netip.AddrPort]*SimulatedTransport),
		nextPort:  40000,
	}
}

// Attach creates an endpoint reachable at addr. A zero port picks a free one.
func (n *Network) Attach(addr netip.AddrPort) (*SimulatedTransport, error) {
	return n.attach(addr, addr)
}

// AttachBehindNAT creates an endpoint with a private address that is
// reachable from the network only through public.
func (n *Network) AttachBehindNAT(private, public netip.AddrPort) (*SimulatedTransport, error) {
	return n.attach(private, public)
}

func (n *Network) attach(local, public netip.AddrPort) (*SimulatedTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if public.Port() == 0 {
		port, err := n.freePort(public.Addr())
		if err != nil {
			return nil, err
		}
		public = netip.AddrPortFrom(public.Addr(), port)
		if local.Port() == 0 {
			local = public
		}
	}
	local = protocol.NormalizeAddr(local)
	public = protocol.NormalizeAddr(public)

	if _, exists := n.endpoints[public]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, public)
	}

	t := &SimulatedTransport{network: n, local: local, public: public}
	n.endpoints[public] = t

	logrus.WithFields(logrus.Fields{
		"function": "Network.Attach",
		"local":    local.String(),
		"public":   public.String(),
	}).Debug("Endpoint attached to simulated network")
	return t, nil
}

func (n *Network) freePort(addr netip.Addr) (uint16, error) {
	for i := 0; i < 0xFFFF; i++ {
		port := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = 1024
		}
		if _, used := n.endpoints[netip.AddrPortFrom(addr, port)]; !used {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port on %s", ErrAddressInUse, addr)
}

// SetDropFilter installs a filter that discards matching datagrams.
func (n *Network) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropFilter = f
}

// DeliveryLog returns a copy of the delivery log.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	log := make([]DeliveryRecord, len(n.deliveryLog))
	copy(log, n.deliveryLog)
	return log
}

// ClearDeliveryLog empties the delivery log.
func (n *Network) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = nil
}

// NetworkStats summarises the simulation.
type NetworkStats struct {
	Endpoints            int
	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
}

// Stats returns statistics about the simulation.
func (n *Network) Stats() NetworkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stats := NetworkStats{
		Endpoints:       len(n.endpoints),
		TotalDeliveries: len(n.deliveryLog),
	}
	for _, rec := range n.deliveryLog {
		if rec.Success {
			stats.SuccessfulDeliveries++
		} else {
			stats.FailedDeliveries++
		}
	}
	return stats
}

func (n *Network) deliver(from *SimulatedTransport, datagram []byte, to netip.AddrPort) {
	to = protocol.NormalizeAddr(to)

	n.mu.Lock()
	rec := DeliveryRecord{
		From:      from.public,
		To:        to,
		Size:      len(datagram),
		Timestamp: time.Now().UnixNano(),
	}
	dst, ok := n.endpoints[to]
	switch {
	case !ok:
		rec.Error = ErrNoRoute
	case n.dropFilter != nil && n.dropFilter(from.public, to, datagram):
		rec.Error = ErrDropped
	default:
		rec.Success = true
	}
	n.deliveryLog = append(n.deliveryLog, rec)
	n.mu.Unlock()

	if !rec.Success {
		logrus.WithFields(logrus.Fields{
			"function": "Network.deliver",
			"from":     from.public.String(),
			"to":       to.String(),
			"reason":   rec.Error.Error(),
		}).Debug("Simulated datagram not delivered")
		return
	}

	copied := make([]byte, len(datagram))
	copy(copied, datagram)
	dst.receive(copied, from.public)
}

func (n *Network) detach(t *SimulatedTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[t.public] == t {
		delete(n.endpoints, t.public)
	}
}

// SimulatedTransport is one endpoint on a Network.
type SimulatedTransport struct {
	network *Network
	local   netip.AddrPort
	public  netip.AddrPort

	mu      sync.RWMutex
	handler interfaces.DatagramHandler
	closed  bool
}

// Send implements interfaces.DatagramTransport.
func (t *SimulatedTransport) Send(datagram []byte, to netip.AddrPort) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return interfaces.ErrTransportClosed
	}
	t.network.deliver(t, datagram, to)
	return nil
}

// SetHandler implements interfaces.DatagramTransport.
func (t *SimulatedTransport) SetHandler(handler interfaces.DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr implements interfaces.DatagramTransport. For endpoints behind a
// NAT this is the private address.
func (t *SimulatedTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// PublicAddr returns the address other endpoints see.
func (t *SimulatedTransport) PublicAddr() netip.AddrPort {
	return t.public
}

// Close implements interfaces.DatagramTransport.
func (t *SimulatedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.detach(t)
	return nil
}

// IsSimulation implements interfaces.DatagramTransport.
func (t *SimulatedTransport) IsSimulation() bool {
	return true
}

func (t *SimulatedTransport) receive(datagram []byte, from netip.AddrPort) {
	t.mu.RLock()
	handler := t.handler
	closed := t.closed
	t.mu.RUnlock()
	if closed || handler == nil {
		return
	}
	handler(datagram, from)
}
