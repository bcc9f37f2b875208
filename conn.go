package meshlink

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/handshake"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/protocol"
)

// connReadBuffer is the number of received payloads a Conn holds before
// dropping new ones.
const connReadBuffer = 64

// Conn is a handshaken connection to a peer. Segments travel as
// application payloads over the node's routes.
type Conn struct {
	node    *Node
	peer    crypto.PeerID
	active  bool
	session *handshake.Session

	incoming chan []byte

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
}

func (n *Node) newConn(peer crypto.PeerID, active bool) *Conn {
	c := &Conn{
		node:     n,
		peer:     peer,
		active:   active,
		incoming: make(chan []byte, connReadBuffer),
		done:     make(chan struct{}),
	}
	c.session = handshake.NewSession(n.options.Handshake, n.loop, handshake.Callbacks{
		Send:    c.sendSegment,
		Deliver: c.deliver,
		Event:   c.handleEvent,
	})
	c.session.Label = peer.Short()
	n.conns[peer] = c
	return c
}

// Dial opens a connection to peer and waits until the handshake completes.
func (n *Node) Dial(ctx context.Context, peer crypto.PeerID) (*Conn, error) {
	if !n.options.Connections {
		return nil, ErrConnectionsDisabled
	}

	var (
		c       *Conn
		opened  <-chan error
		openErr error
	)
	err := n.call(ctx, func() {
		if _, ok := n.conns[peer]; ok {
			openErr = fmt.Errorf("%w: %s", ErrConnectionExists, peer.Short())
			return
		}
		c = n.newConn(peer, true)
		opened = c.session.Open(true)
	})
	if err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}

	select {
	case err := <-opened:
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", peer.Short(), err)
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Accept waits for the next inbound connection.
func (n *Node) Accept(ctx context.Context) (*Conn, error) {
	if !n.options.Connections {
		return nil, ErrConnectionsDisabled
	}
	select {
	case c := <-n.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleSegment feeds an application payload to the connection with its
// sender. A SYN from an unknown peer opens a passive connection.
func (n *Node) handleSegment(msg *protocol.Application, from netip.AddrPort) {
	var seg handshake.Segment
	if err := seg.UnmarshalBinary(msg.Payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.handleSegment",
			"sender":   msg.Sender.Short(),
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed segment")
		n.metrics.MessageDropped("segment")
		return
	}

	if c, ok := n.conns[msg.Sender]; ok {
		c.session.Receive(seg)
		n.dropListener(c)
		return
	}

	if seg.Flags.SYN && !seg.Flags.ACK && !seg.Flags.RST {
		c := n.newConn(msg.Sender, false)
		c.session.Open(false)
		c.session.Receive(seg)
		n.dropListener(c)
		return
	}

	// Answer with the reset a closed session would send.
	refuse := handshake.NewSession(n.options.Handshake, n.loop, handshake.Callbacks{
		Send: func(reply handshake.Segment) { n.sendSegment(msg.Sender, reply) },
	})
	refuse.Label = msg.Sender.Short()
	refuse.Receive(seg)
}

// dropListener removes a passive connection whose handshake was reset
// before completing. Its session waits in LISTEN, and the next SYN from the
// peer opens a fresh connection instead.
func (n *Node) dropListener(c *Conn) {
	if c.active || c.session.State() != handshake.Listen {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Node.dropListener",
		"peer":     c.peer.Short(),
	}).Debug("Passive handshake reset, dropping connection")
	n.metrics.HandshakeFinished("reset")
	c.remove(handshake.ErrConnectionReset)
}

func (n *Node) sendSegment(peer crypto.PeerID, seg handshake.Segment) {
	data, err := seg.MarshalBinary()
	if err == nil {
		err = n.sendApplication(peer, data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.sendSegment",
			"peer":     peer.Short(),
			"segment":  seg.String(),
			"error":    err.Error(),
		}).Debug("Failed to send segment")
	}
}

func (c *Conn) sendSegment(seg handshake.Segment) {
	c.node.sendSegment(c.peer, seg)
}

func (c *Conn) deliver(payload []byte) {
	select {
	case c.incoming <- payload:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Conn.deliver",
			"peer":     c.peer.Short(),
			"size":     len(payload),
		}).Warn("Read buffer full, dropping payload")
	}
}

func (c *Conn) handleEvent(ev handshake.Event) {
	switch e := ev.(type) {
	case handshake.Completed:
		c.node.metrics.HandshakeFinished("established")
		if c.active {
			return
		}
		select {
		case c.node.accepted <- c:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Conn.handleEvent",
				"peer":     c.peer.Short(),
			}).Warn("Accept backlog full, resetting connection")
			c.session.Abort()
			c.remove(handshake.ErrConnectionClosed)
		}
	case handshake.Failed:
		c.node.metrics.HandshakeFinished(handshakeResult(e.Err))
		c.remove(e.Err)
	}
}

// remove drops the connection from the node. Loop only.
func (c *Conn) remove(err error) {
	if c.node.conns[c.peer] == c {
		delete(c.node.conns, c.peer)
	}
	c.finish(err)
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

func handshakeResult(err error) string {
	switch {
	case errors.Is(err, handshake.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, handshake.ErrConnectionRefused):
		return "refused"
	case errors.Is(err, handshake.ErrConnectionReset):
		return "reset"
	default:
		return "failed"
	}
}

// Peer returns the remote peer id.
func (c *Conn) Peer() crypto.PeerID {
	return c.peer
}

// maxConnPayload is the largest payload a Conn writes in one segment.
const maxConnPayload = protocol.MaxApplicationPayload - handshake.SegmentHeaderSize

// Write sends payload on the connection.
func (c *Conn) Write(ctx context.Context, payload []byte) error {
	if err := limits.ValidateMessageSize(payload, maxConnPayload); err != nil {
		return err
	}
	var writeErr error
	if err := c.node.call(ctx, func() { writeErr = c.session.Write(payload) }); err != nil {
		return err
	}
	return writeErr
}

// Read returns the next payload received on the connection. Payloads
// already received are returned before the close error.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.incoming:
		return p, nil
	default:
	}

	select {
	case p := <-c.incoming:
		return p, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close resets the connection.
func (c *Conn) Close() error {
	err := c.node.call(context.Background(), func() {
		c.session.Abort()
		c.remove(handshake.ErrConnectionClosed)
	})
	if errors.Is(err, ErrNodeClosed) {
		return nil
	}
	return err
}
