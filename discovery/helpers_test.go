package discovery

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/loop"
	"github.com/opd-ai/meshlink/peers"
	"github.com/opd-ai/meshlink/protocol"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type sentMessage struct {
	msg protocol.Message
	to  netip.AddrPort
}

type recordingSender struct {
	sent []sentMessage
}

func (r *recordingSender) Send(msg protocol.Message, to netip.AddrPort) error {
	r.sent = append(r.sent, sentMessage{msg: msg, to: to})
	return nil
}

// take returns and clears the recorded messages.
func (r *recordingSender) take() []sentMessage {
	out := r.sent
	r.sent = nil
	return out
}

type node struct {
	id        *crypto.Identity
	manual    *loop.Manual
	table     *peers.Table
	sender    *recordingSender
	events    []Event
	delivered []*protocol.Application
}

func newNode(t *testing.T, manual *loop.Manual, cfg Config) *node {
	t.Helper()
	id, err := crypto.GenerateIdentity(cfg.PowDifficulty)
	require.NoError(t, err)
	return &node{
		id:     id,
		manual: manual,
		table:  peers.NewTable(manual.Clock(), cfg.HelloTimeout),
		sender: &recordingSender{},
	}
}

func (n *node) deps() Deps {
	return Deps{
		Identity:  n.id,
		Table:     n.table,
		Scheduler: n.manual,
		Sender:    n.sender,
		Events:    func(ev Event) { n.events = append(n.events, ev) },
		Application: func(msg *protocol.Application, _ netip.AddrPort) {
			n.delivered = append(n.delivered, msg)
		},
	}
}

func (n *node) takeEvents() []Event {
	out := n.events
	n.events = nil
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PowDifficulty = 0
	cfg.HeartbeatInitialDelay = time.Second
	return cfg
}

func addr(i int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("192.0.2.%d:22527", i))
}

func mapResolver(m map[string]netip.AddrPort) Resolver {
	return func(host string) (netip.AddrPort, error) {
		ap, ok := m[host]
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("unknown host %s", host)
		}
		return ap, nil
	}
}

func ofType[T protocol.Message](msgs []sentMessage) []T {
	var out []T
	for _, s := range msgs {
		if m, ok := s.msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(0)
	require.NoError(t, err)
	return id
}

func ack(from *crypto.Identity, to crypto.PeerID, cfg Config, sent time.Time) *protocol.Acknowledgement {
	return &protocol.Acknowledgement{
		Header: protocol.NewHeader(cfg.NetworkID, to, from),
		Time:   sent.UnixMilli(),
	}
}

func joinHello(t *testing.T, from *crypto.Identity, to crypto.PeerID, cfg Config, sent time.Time, candidates ...netip.AddrPort) *protocol.Hello {
	t.Helper()
	h := &protocol.Hello{
		Header:       protocol.NewHeader(cfg.NetworkID, to, from),
		Time:         sent.UnixMilli(),
		ChildrenTime: int64(cfg.ChildrenLifetime / time.Second),
		Addresses:    candidates,
	}
	require.NoError(t, h.Sign(from))
	return h
}
