package testing

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/interfaces"
)

type inbox struct {
	mu   sync.Mutex
	got  [][]byte
	from []netip.AddrPort
}

func (i *inbox) handle(d []byte, from netip.AddrPort) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, d)
	i.from = append(i.from, from)
}

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:22527")
	addrB = netip.MustParseAddrPort("10.0.0.2:22527")
)

func TestNetworkDelivers(t *testing.T) {
	n := NewNetwork()
	a, err := n.Attach(addrA)
	require.NoError(t, err)
	b, err := n.Attach(addrB)
	require.NoError(t, err)

	var in inbox
	b.SetHandler(in.handle)

	payload := []byte("hello")
	require.NoError(t, a.Send(payload, addrB))
	payload[0] = 'X'

	require.Len(t, in.got, 1)
	assert.True(t, bytes.Equal([]byte("hello"), in.got[0]), "datagram is copied")
	assert.Equal(t, addrA, in.from[0])
	assert.True(t, a.IsSimulation())

	log := n.DeliveryLog()
	require.Len(t, log, 1)
	assert.True(t, log[0].Success)
	assert.Equal(t, 5, log[0].Size)
}

func TestNetworkNoRouteAndDrop(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Attach(addrA)
	b, _ := n.Attach(addrB)
	var in inbox
	b.SetHandler(in.handle)

	require.NoError(t, a.Send([]byte("x"), netip.MustParseAddrPort("10.0.0.9:1")))

	n.SetDropFilter(func(from, to netip.AddrPort, _ []byte) bool { return to == addrB })
	require.NoError(t, a.Send([]byte("y"), addrB))

	assert.Empty(t, in.got)
	log := n.DeliveryLog()
	require.Len(t, log, 2)
	assert.ErrorIs(t, log[0].Error, ErrNoRoute)
	assert.ErrorIs(t, log[1].Error, ErrDropped)

	stats := n.Stats()
	assert.Equal(t, NetworkStats{Endpoints: 2, TotalDeliveries: 2, FailedDeliveries: 2}, stats)

	n.ClearDeliveryLog()
	assert.Empty(t, n.DeliveryLog())
}

func TestNetworkAddressInUse(t *testing.T) {
	n := NewNetwork()
	_, err := n.Attach(addrA)
	require.NoError(t, err)
	_, err = n.Attach(addrA)
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestNetworkAutoPort(t *testing.T) {
	n := NewNetwork()
	a, err := n.Attach(netip.MustParseAddrPort("10.0.0.1:0"))
	require.NoError(t, err)
	b, err := n.Attach(netip.MustParseAddrPort("10.0.0.1:0"))
	require.NoError(t, err)

	assert.NotZero(t, a.LocalAddr().Port())
	assert.NotEqual(t, a.LocalAddr(), b.LocalAddr())
}

func TestNetworkNAT(t *testing.T) {
	n := NewNetwork()
	private := netip.MustParseAddrPort("192.168.1.10:22527")
	public := netip.MustParseAddrPort("203.0.113.5:61000")

	child, err := n.AttachBehindNAT(private, public)
	require.NoError(t, err)
	server, err := n.Attach(addrA)
	require.NoError(t, err)

	var atServer, atChild inbox
	server.SetHandler(atServer.handle)
	child.SetHandler(atChild.handle)

	assert.Equal(t, private, child.LocalAddr())
	assert.Equal(t, public, child.PublicAddr())

	require.NoError(t, child.Send([]byte("join"), addrA))
	require.Len(t, atServer.from, 1)
	assert.Equal(t, public, atServer.from[0], "source is translated")

	require.NoError(t, server.Send([]byte("to private"), private))
	assert.Empty(t, atChild.got, "private address is unreachable")

	require.NoError(t, server.Send([]byte("to public"), public))
	assert.Len(t, atChild.got, 1)
}

func TestSimulatedTransportClose(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Attach(addrA)
	b, _ := n.Attach(addrB)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Send([]byte("x"), addrA), interfaces.ErrTransportClosed)

	// The address is free again.
	_, err := n.Attach(addrB)
	assert.NoError(t, err)
	assert.NoError(t, a.Send([]byte("x"), addrB))
}
