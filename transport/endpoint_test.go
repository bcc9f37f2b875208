package transport

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/arm"
	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/protocol"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:22527")
	addrB = netip.MustParseAddrPort("10.0.0.2:22527")
)

type received struct {
	msg  protocol.Message
	from netip.AddrPort
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(0)
	require.NoError(t, err)
	return id
}

func newEndpoint(t *testing.T, addr netip.AddrPort, opts EndpointOptions) (*Endpoint, *MockTransport, *[]received) {
	t.Helper()
	mock := NewMockTransport(addr)
	ep := NewEndpoint(mock, opts)
	var got []received
	ep.SetHandler(func(msg protocol.Message, from netip.AddrPort) {
		got = append(got, received{msg, from})
	})
	return ep, mock, &got
}

func TestEndpointSendReceive(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	epA, mockA, _ := newEndpoint(t, addrA, EndpointOptions{NetworkID: 7})
	_, mockB, gotB := newEndpoint(t, addrB, EndpointOptions{NetworkID: 7})

	hello := &protocol.Hello{Header: protocol.NewHeader(7, bob.ID, alice), Time: 42}
	require.NoError(t, epA.Send(hello, addrB))

	sent := mockA.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, addrB, sent[0].To)

	mockB.Inject(sent[0].Data, addrA)
	require.Len(t, *gotB, 1)
	got, ok := (*gotB)[0].msg.(*protocol.Hello)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Time)
	assert.Equal(t, addrA, (*gotB)[0].from)
}

func TestEndpointDropsInvalidDatagrams(t *testing.T) {
	alice := newIdentity(t)
	_, mock, got := newEndpoint(t, addrB, EndpointOptions{NetworkID: 7})

	other, err := protocol.Encode(&protocol.Acknowledgement{Header: protocol.NewHeader(8, crypto.PeerID{}, alice)})
	require.NoError(t, err)

	tests := []struct {
		name     string
		datagram []byte
	}{
		{"garbage", []byte{1, 2, 3}},
		{"bad magic", make([]byte, protocol.HeaderSize+8)},
		{"other network", other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.Inject(tt.datagram, addrA)
			assert.Empty(t, *got)
		})
	}
}

func TestEndpointArmsApplication(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	ringA, err := arm.NewKeyring(alice, 0)
	require.NoError(t, err)
	ringB, err := arm.NewKeyring(bob, 0)
	require.NoError(t, err)

	epA, mockA, _ := newEndpoint(t, addrA, EndpointOptions{NetworkID: 1, Keyring: ringA, ArmApplication: true})
	_, mockB, gotB := newEndpoint(t, addrB, EndpointOptions{NetworkID: 1, Keyring: ringB, ArmApplication: true})

	app := &protocol.Application{Header: protocol.NewHeader(1, bob.ID, alice), Payload: []byte("hello bob")}
	require.NoError(t, epA.Send(app, addrB))
	assert.False(t, app.Armed, "caller's message must not be modified")

	sent := mockA.Sent()
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0].Data), "hello bob")

	mockB.Inject(sent[0].Data, addrA)
	require.Len(t, *gotB, 1)
	got := (*gotB)[0].msg.(*protocol.Application)
	assert.False(t, got.Armed)
	assert.Equal(t, []byte("hello bob"), got.Payload)
}

func TestEndpointForwardsArmedMessagesUnchanged(t *testing.T) {
	alice, bob, relay := newIdentity(t), newIdentity(t), newIdentity(t)
	ringA, err := arm.NewKeyring(alice, 0)
	require.NoError(t, err)
	ringR, err := arm.NewKeyring(relay, 0)
	require.NoError(t, err)

	epA, mockA, _ := newEndpoint(t, addrA, EndpointOptions{NetworkID: 1, Keyring: ringA, ArmApplication: true})
	epR, mockR, gotR := newEndpoint(t, addrB, EndpointOptions{NetworkID: 1, Keyring: ringR, ArmApplication: true})

	require.NoError(t, epA.Send(&protocol.Application{
		Header:  protocol.NewHeader(1, bob.ID, alice),
		Payload: []byte("for bob"),
	}, addrB))
	mockR.Inject(mockA.Sent()[0].Data, addrA)

	require.Len(t, *gotR, 1)
	relayed := (*gotR)[0].msg.(*protocol.Application)
	assert.True(t, relayed.Armed)

	relayed.HopCount++
	require.NoError(t, epR.Send(relayed, netip.MustParseAddrPort("10.0.0.3:22527")))
	out := mockR.Sent()
	require.Len(t, out, 1)

	orig, err := protocol.Decode(mockA.Sent()[0].Data)
	require.NoError(t, err)
	fwd, err := protocol.Decode(out[0].Data)
	require.NoError(t, err)
	assert.Equal(t, orig.(*protocol.Application).Payload, fwd.(*protocol.Application).Payload)
	assert.Equal(t, uint8(1), fwd.Envelope().HopCount)
}

func TestEndpointDropsTamperedArmedPayload(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	ringA, err := arm.NewKeyring(alice, 0)
	require.NoError(t, err)
	ringB, err := arm.NewKeyring(bob, 0)
	require.NoError(t, err)

	epA, mockA, _ := newEndpoint(t, addrA, EndpointOptions{NetworkID: 1, Keyring: ringA, ArmApplication: true})
	_, mockB, gotB := newEndpoint(t, addrB, EndpointOptions{NetworkID: 1, Keyring: ringB})

	require.NoError(t, epA.Send(&protocol.Application{
		Header:  protocol.NewHeader(1, bob.ID, alice),
		Payload: []byte("x"),
	}, addrB))
	data := mockA.Sent()[0].Data
	data[len(data)-1] ^= 0xff

	mockB.Inject(data, addrA)
	assert.Empty(t, *gotB)
}

func TestEndpointArmWithoutKeyring(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	ep, _, _ := newEndpoint(t, addrA, EndpointOptions{NetworkID: 1, ArmApplication: true})

	err := ep.Send(&protocol.Application{Header: protocol.NewHeader(1, bob.ID, alice)}, addrB)
	assert.ErrorIs(t, err, ErrNoKeyring)
}

func TestEndpointSendError(t *testing.T) {
	alice := newIdentity(t)
	ep, mock, _ := newEndpoint(t, addrA, EndpointOptions{})
	boom := errors.New("boom")
	mock.SetSendFunc(func([]byte, netip.AddrPort) error { return boom })

	err := ep.Send(&protocol.Acknowledgement{Header: protocol.NewHeader(0, crypto.PeerID{}, alice)}, addrB)
	assert.ErrorIs(t, err, boom)
}

func TestEndpointPostsToExecutor(t *testing.T) {
	alice := newIdentity(t)

	var queued []func()
	post := func(f func()) bool {
		queued = append(queued, f)
		return true
	}
	epA, mockA, _ := newEndpoint(t, addrA, EndpointOptions{})
	_, mockB, gotB := newEndpoint(t, addrB, EndpointOptions{Post: post})

	require.NoError(t, epA.Send(&protocol.Acknowledgement{Header: protocol.NewHeader(0, crypto.PeerID{}, alice)}, addrB))
	mockB.Inject(mockA.Sent()[0].Data, addrA)

	assert.Empty(t, *gotB)
	require.Len(t, queued, 1)
	queued[0]()
	assert.Len(t, *gotB, 1)
}

func TestLocalCandidates(t *testing.T) {
	candidates, err := LocalCandidates(22527)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(candidates), 16)
	for _, c := range candidates {
		assert.Equal(t, uint16(22527), c.Port())
		assert.False(t, c.Addr().IsLoopback())
		assert.False(t, c.Addr().Is4In6())
	}
}
