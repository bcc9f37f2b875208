package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/arm"
	"github.com/opd-ai/meshlink/interfaces"
	"github.com/opd-ai/meshlink/metrics"
	"github.com/opd-ai/meshlink/protocol"
)

// ErrNoKeyring is returned when an armed message is sent without a keyring.
var ErrNoKeyring = errors.New("arming requires a keyring")

// MessageHandler receives decoded inbound messages.
type MessageHandler func(msg protocol.Message, from netip.AddrPort)

// Sender is the outbound half of an Endpoint.
type Sender interface {
	Send(msg protocol.Message, to netip.AddrPort) error
}

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	// NetworkID filters inbound messages. Others are dropped.
	NetworkID int32

	// Keyring arms and disarms application payloads. Without it armed
	// messages addressed to this node are dropped.
	Keyring *arm.Keyring

	// ArmApplication arms every application message sent by this node.
	ArmApplication bool

	// Metrics records received and dropped messages. Optional.
	Metrics *metrics.Metrics

	// Post runs the handler. When nil the handler runs on the transport
	// goroutine.
	Post func(func()) bool
}

// Endpoint sends and receives protocol messages over a DatagramTransport.
type Endpoint struct {
	transport interfaces.DatagramTransport
	opts      EndpointOptions

	mu      sync.RWMutex
	handler MessageHandler
}

// NewEndpoint wraps t and installs itself as its datagram handler.
func NewEndpoint(t interfaces.DatagramTransport, opts EndpointOptions) *Endpoint {
	e := &Endpoint{transport: t, opts: opts}
	t.SetHandler(e.receive)
	return e
}

// SetHandler installs the inbound message handler.
func (e *Endpoint) SetHandler(h MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// LocalAddr returns the address of the underlying transport.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.transport.LocalAddr()
}

// Close closes the underlying transport.
func (e *Endpoint) Close() error {
	return e.transport.Close()
}

// Send encodes msg and transmits it to the given address. Application
// messages sent by the local node are armed when arming is enabled.
// Messages originated by other nodes are forwarded unchanged.
func (e *Endpoint) Send(msg protocol.Message, to netip.AddrPort) error {
	if app, ok := msg.(*protocol.Application); ok {
		armed, err := e.arm(app)
		if err != nil {
			return err
		}
		msg = armed
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := e.transport.Send(data, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Send",
			"kind":     msg.Kind().String(),
			"to":       to.String(),
			"error":    err.Error(),
		}).Warn("Failed to send message")
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), to, err)
	}
	return nil
}

func (e *Endpoint) arm(app *protocol.Application) (*protocol.Application, error) {
	if !e.opts.ArmApplication || app.Armed {
		return app, nil
	}
	if e.opts.Keyring == nil {
		return nil, ErrNoKeyring
	}
	if app.Sender != e.opts.Keyring.Local() {
		return app, nil
	}

	session, err := e.opts.Keyring.Session(app.Recipient)
	if err != nil {
		return nil, fmt.Errorf("arm for %s: %w", app.Recipient.Short(), err)
	}
	armed := *app
	armed.Armed = true
	armed.Payload = session.Arm(app.Nonce, app.Payload)
	return &armed, nil
}

func (e *Endpoint) receive(datagram []byte, from netip.AddrPort) {
	from = protocol.NormalizeAddr(from)

	msg, err := protocol.Decode(datagram)
	if err != nil {
		e.drop("malformed", from, err)
		return
	}
	h := msg.Envelope()
	if h.NetworkID != e.opts.NetworkID {
		e.drop("network", from, fmt.Errorf("network id %d", h.NetworkID))
		return
	}

	if app, ok := msg.(*protocol.Application); ok && app.Armed {
		disarmed, err := e.disarm(app)
		if err != nil {
			e.drop("disarm", from, err)
			return
		}
		msg = disarmed
	}

	e.opts.Metrics.MessageReceived(msg.Kind().String())

	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}

	if e.opts.Post == nil {
		handler(msg, from)
		return
	}
	if !e.opts.Post(func() { handler(msg, from) }) {
		e.drop("stopped", from, nil)
	}
}

// disarm opens payloads addressed to this node. Armed messages for other
// recipients are left alone so they can be relayed.
func (e *Endpoint) disarm(app *protocol.Application) (*protocol.Application, error) {
	if e.opts.Keyring == nil {
		return nil, ErrNoKeyring
	}
	if app.Recipient != e.opts.Keyring.Local() {
		return app, nil
	}

	session, err := e.opts.Keyring.Session(app.Sender)
	if err != nil {
		return nil, err
	}
	payload, err := session.Disarm(app.Nonce, app.Payload)
	if err != nil {
		return nil, err
	}
	app.Armed = false
	app.Payload = payload
	return app, nil
}

func (e *Endpoint) drop(reason string, from netip.AddrPort, err error) {
	e.opts.Metrics.MessageDropped(reason)

	fields := logrus.Fields{
		"function": "Endpoint.receive",
		"from":     from.String(),
		"reason":   reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Dropped inbound datagram")
}
