package meshlink

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/meshlink/arm"
	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/discovery"
	"github.com/opd-ai/meshlink/factory"
	"github.com/opd-ai/meshlink/interfaces"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/loop"
	"github.com/opd-ai/meshlink/metrics"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
	"github.com/opd-ai/meshlink/transport"
)

var (
	// ErrNoRoute is returned when no path or gateway leads to a peer.
	ErrNoRoute = errors.New("no route to peer")
	// ErrNodeClosed is returned for operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
	// ErrConnectionsEnabled is returned by Send when the node carries
	// connections in its application payloads.
	ErrConnectionsEnabled = errors.New("datagrams are unavailable while connections are enabled")
	// ErrConnectionsDisabled is returned by Dial and Accept when
	// Options.Connections is not set.
	ErrConnectionsDisabled = errors.New("connections are disabled")
	// ErrConnectionExists is returned by Dial when a connection to the peer
	// is already open.
	ErrConnectionExists = errors.New("connection already exists")
)

// ApplicationHandler receives application payloads addressed to this node.
// It runs on the node loop and must not block.
type ApplicationHandler func(peer crypto.PeerID, payload []byte)

// Node is one participant of the overlay. Every component runs on a single
// event loop; exported methods post work onto it.
type Node struct {
	options   *Options
	identity  *crypto.Identity
	loop      *loop.Loop
	table     *peers.Table
	endpoint  *transport.Endpoint
	transport interfaces.DatagramTransport
	keyring   *arm.Keyring
	metrics   *metrics.Metrics

	children   *discovery.ChildrenAgent
	traversal  *discovery.Traversal
	superPeer  *discovery.SuperPeerAgent
	rendezvous *discovery.Rendezvous

	// Loop owned.
	conns map[crypto.PeerID]*Conn

	accepted chan *Conn

	mu           sync.RWMutex
	onAppMessage ApplicationHandler
	onEvent      func(discovery.Event)

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewNode creates a node with a transport built by the transport factory
// from options.Transport.
func NewNode(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	t, err := factory.NewTransportFactory().CreateTransportWithConfig(options.Transport)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	n, err := NewNodeWithTransport(options, t)
	if err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	return n, nil
}

// NewNodeWithTransport creates a node on an existing transport. The node
// takes ownership of t and closes it on Close.
func NewNodeWithTransport(options *Options, t interfaces.DatagramTransport) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidOptions)
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	identity := options.Identity
	if identity == nil {
		var err error
		identity, err = crypto.GenerateIdentity(options.Discovery.PowDifficulty)
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}

	keyring, err := arm.NewKeyring(identity, options.KeyringSize)
	if err != nil {
		return nil, fmt.Errorf("create keyring: %w", err)
	}

	l := loop.New(options.Clock)
	n := &Node{
		options:   options,
		identity:  identity,
		loop:      l,
		table:     peers.NewTable(l.Clock(), options.Discovery.HelloTimeout),
		transport: t,
		keyring:   keyring,
		metrics:   metrics.New(),
		conns:     make(map[crypto.PeerID]*Conn),
		accepted:  make(chan *Conn, max(options.AcceptBacklog, 1)),
	}
	n.endpoint = transport.NewEndpoint(t, transport.EndpointOptions{
		NetworkID:      options.Discovery.NetworkID,
		Keyring:        keyring,
		ArmApplication: options.ArmApplication,
		Metrics:        n.metrics,
		Post:           l.Post,
	})

	deps := discovery.Deps{
		Identity:    identity,
		Table:       n.table,
		Scheduler:   l,
		Sender:      n.endpoint,
		Events:      n.emit,
		Application: n.handleApplication,
		Metrics:     n.metrics,
		Post:        l.Post,
	}

	if options.SuperPeer {
		n.superPeer, err = discovery.NewSuperPeerAgent(options.Discovery, deps)
		if err != nil {
			return nil, err
		}
		n.rendezvous = discovery.NewRendezvous(n.superPeer, options.Discovery.UniteMinInterval)
		n.endpoint.SetHandler(n.superPeer.Handle)
	} else {
		n.children, err = discovery.NewChildrenAgent(options.Discovery, deps)
		if err != nil {
			return nil, err
		}
		n.traversal = discovery.NewTraversal(n.children, n.localCandidates)
		n.endpoint.SetHandler(n.children.Handle)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewNodeWithTransport",
		"peer":       identity.ID.Short(),
		"super_peer": options.SuperPeer,
		"address":    t.LocalAddr().String(),
		"arming":     options.ArmApplication,
	}).Info("Node created")

	return n, nil
}

// Start launches the event loop and the discovery agent.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}
	n.loop.Start()
	return n.call(context.Background(), func() {
		if n.superPeer != nil {
			n.superPeer.Start()
		} else {
			n.children.Start()
		}
	})
}

// Close stops the agent, aborts open connections and releases the
// transport. It is safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs error
		shutdown := func() {
			if n.superPeer != nil {
				n.superPeer.Stop()
			} else {
				n.children.Stop()
			}
			for _, c := range n.conns {
				c.session.Abort()
				c.finish(ErrNodeClosed)
			}
			n.conns = make(map[crypto.PeerID]*Conn)
		}
		// Claiming started keeps a late Start from launching the loop.
		if n.started.CompareAndSwap(false, true) {
			shutdown()
		} else if err := n.loop.Call(context.Background(), shutdown); err != nil && !errors.Is(err, loop.ErrStopped) {
			errs = multierr.Append(errs, err)
		}
		n.loop.Stop()
		errs = multierr.Append(errs, n.endpoint.Close())
		n.closeErr = errs

		logrus.WithFields(logrus.Fields{
			"function": "Node.Close",
			"peer":     n.identity.ID.Short(),
		}).Info("Node closed")
	})
	return n.closeErr
}

// ID returns the peer id of the node.
func (n *Node) ID() crypto.PeerID {
	return n.identity.ID
}

// Identity returns the node identity.
func (n *Node) Identity() *crypto.Identity {
	return n.identity
}

// LocalAddr returns the bound transport address.
func (n *Node) LocalAddr() netip.AddrPort {
	return n.endpoint.LocalAddr()
}

// IsSuperPeer reports whether the node runs the super peer agent.
func (n *Node) IsSuperPeer() bool {
	return n.superPeer != nil
}

// Metrics returns the node's metrics collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// OnApplication installs the handler for application payloads. It is not
// used when connections are enabled.
func (n *Node) OnApplication(h ApplicationHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onAppMessage = h
}

// OnEvent installs the handler for discovery events. It runs on the node
// loop and must not block.
func (n *Node) OnEvent(h func(discovery.Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEvent = h
}

// Send transmits payload to peer over the best known route.
func (n *Node) Send(ctx context.Context, peer crypto.PeerID, payload []byte) error {
	if n.options.Connections {
		return ErrConnectionsEnabled
	}
	if err := limits.ValidateMessageSize(payload, protocol.MaxApplicationPayload); err != nil {
		return err
	}
	var sendErr error
	if err := n.call(ctx, func() { sendErr = n.sendApplication(peer, payload) }); err != nil {
		return err
	}
	return sendErr
}

// Route returns the address the next message to peer would be sent to.
func (n *Node) Route(ctx context.Context, peer crypto.PeerID) (netip.AddrPort, error) {
	var (
		addr netip.AddrPort
		ok   bool
	)
	if err := n.call(ctx, func() { addr, ok = n.route(peer) }); err != nil {
		return netip.AddrPort{}, err
	}
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNoRoute, peer.Short())
	}
	return addr, nil
}

// Paths returns the known paths to peer, highest priority first.
func (n *Node) Paths(ctx context.Context, peer crypto.PeerID) ([]peers.Path, error) {
	var out []peers.Path
	err := n.call(ctx, func() { out = n.table.Paths(peer) })
	return out, err
}

// DefaultSuperPeer returns the super peer currently used as gateway.
func (n *Node) DefaultSuperPeer(ctx context.Context) (crypto.PeerID, bool, error) {
	var (
		id crypto.PeerID
		ok bool
	)
	err := n.call(ctx, func() { id, ok = n.table.Default() })
	return id, ok, err
}

// Children returns the registered children of a super peer.
func (n *Node) Children(ctx context.Context) ([]crypto.PeerID, error) {
	if n.superPeer == nil {
		return nil, nil
	}
	var out []crypto.PeerID
	err := n.call(ctx, func() { out = n.superPeer.Children() })
	return out, err
}

// TraversingPeers returns the peers a child is establishing direct paths
// to.
func (n *Node) TraversingPeers(ctx context.Context) ([]crypto.PeerID, error) {
	if n.traversal == nil {
		return nil, nil
	}
	var out []crypto.PeerID
	err := n.call(ctx, func() { out = n.traversal.Peers() })
	return out, err
}

func (n *Node) call(ctx context.Context, f func()) error {
	if err := n.loop.Call(ctx, f); err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return ErrNodeClosed
		}
		return err
	}
	return nil
}

func (n *Node) route(peer crypto.PeerID) (netip.AddrPort, bool) {
	if n.superPeer != nil {
		return n.superPeer.Route(peer)
	}
	return n.children.Route(peer)
}

func (n *Node) sendApplication(peer crypto.PeerID, payload []byte) error {
	addr, ok := n.route(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, peer.Short())
	}
	app := &protocol.Application{
		Header:  protocol.NewHeader(n.options.Discovery.NetworkID, peer, n.identity),
		Payload: payload,
	}
	if err := n.endpoint.Send(app, addr); err != nil {
		return err
	}
	n.table.ApplicationActivity(peer)
	return nil
}

func (n *Node) handleApplication(msg *protocol.Application, from netip.AddrPort) {
	if n.options.Connections {
		n.handleSegment(msg, from)
		return
	}

	n.mu.RLock()
	h := n.onAppMessage
	n.mu.RUnlock()
	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.handleApplication",
			"sender":   msg.Sender.Short(),
		}).Debug("No application handler, dropping payload")
		return
	}
	h(msg.Sender, msg.Payload)
}

func (n *Node) emit(ev discovery.Event) {
	n.mu.RLock()
	h := n.onEvent
	n.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// localCandidates returns the addresses a child announces to its super
// peers. Simulated transports have exactly one.
func (n *Node) localCandidates() []netip.AddrPort {
	local := n.transport.LocalAddr()
	if n.transport.IsSimulation() || !local.Addr().IsUnspecified() {
		return []netip.AddrPort{local}
	}
	candidates, err := transport.LocalCandidates(local.Port())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.localCandidates",
			"error":    err.Error(),
		}).Warn("Failed to enumerate local addresses")
		return nil
	}
	return candidates
}
