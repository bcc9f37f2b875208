package peers

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/crypto"
)

const helloTimeout = 30 * time.Second

func peerID(b byte) crypto.PeerID {
	var id crypto.PeerID
	id[0] = b
	return id
}

func newTestTable() (*Table, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTable(mock, helloTimeout), mock
}

var (
	addrA = netip.MustParseAddrPort("192.0.2.1:22527")
	addrB = netip.MustParseAddrPort("[2001:db8::2]:22527")
)

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, TraversalPriority(time.Hour), PrioritySuperPeer)
	assert.Greater(t, PrioritySuperPeer, PriorityUnconfirmed)
	assert.Equal(t, PrioritySuperPeer, PriorityChildren)

	tests := []struct {
		rtt  time.Duration
		want int16
	}{
		{0, 100},
		{-time.Second, 100},
		{9 * time.Millisecond, 100},
		{25 * time.Millisecond, 98},
		{490 * time.Millisecond, 51},
		{time.Minute, 51},
	}
	for _, tt := range tests {
		if got := TraversalPriority(tt.rtt); got != tt.want {
			t.Errorf("TraversalPriority(%v) = %d, want %d", tt.rtt, got, tt.want)
		}
	}
}

func TestAddAndRemovePath(t *testing.T) {
	table, _ := newTestTable()
	p := peerID(1)

	assert.True(t, table.AddPath(p, PathSuperPeer, addrA, PrioritySuperPeer))
	assert.False(t, table.AddPath(p, PathSuperPeer, addrB, PrioritySuperPeer), "existing path is refreshed")

	addr, ok := table.Resolve(p, PathSuperPeer)
	require.True(t, ok)
	assert.Equal(t, addrB, addr)

	assert.True(t, table.RemovePath(p, PathSuperPeer))
	assert.False(t, table.RemovePath(p, PathSuperPeer))
	assert.False(t, table.HasPath(p))

	_, ok = table.Resolve(p, PathSuperPeer)
	assert.False(t, ok)
}

func TestPathsOrderedByPriority(t *testing.T) {
	table, _ := newTestTable()
	p := peerID(1)

	table.AddPath(p, PathUnconfirmed, addrA, PriorityUnconfirmed)
	table.AddPath(p, PathChildren, addrA, PriorityChildren)
	table.AddPath(p, PathTraversal, addrB, TraversalPriority(20*time.Millisecond))

	var ids []PathID
	for _, path := range table.Paths(p) {
		ids = append(ids, path.ID)
	}
	assert.Equal(t, []PathID{PathTraversal, PathChildren, PathUnconfirmed}, ids)

	best, ok := table.ResolveBest(p)
	require.True(t, ok)
	assert.Equal(t, addrB, best)
}

func TestStaleness(t *testing.T) {
	table, mock := newTestTable()
	p := peerID(1)

	assert.True(t, table.IsStale(p, PathChildren), "unknown path is stale")

	table.AddPath(p, PathChildren, addrA, PriorityChildren)
	assert.False(t, table.IsStale(p, PathChildren))
	assert.True(t, table.IsReachable(p, PathChildren))

	mock.Add(helloTimeout)
	assert.False(t, table.IsStale(p, PathChildren))

	mock.Add(time.Second)
	assert.True(t, table.IsStale(p, PathChildren))
	_, ok := table.ResolveBest(p)
	assert.False(t, ok, "stale paths are not used")

	table.Touch(p, PathChildren)
	assert.False(t, table.IsStale(p, PathChildren))
}

func TestDefaultPeer(t *testing.T) {
	table, _ := newTestTable()
	super := peerID(1)
	other := peerID(2)

	_, ok := table.Default()
	assert.False(t, ok)

	table.AddPath(super, PathSuperPeer, addrA, PrioritySuperPeer)
	table.SetDefault(super)

	def, ok := table.Default()
	require.True(t, ok)
	assert.Equal(t, super, def)

	addr, ok := table.ResolveBest(other)
	require.True(t, ok, "unknown peers route over the default")
	assert.Equal(t, addrA, addr)

	table.RemovePath(super, PathSuperPeer)
	_, ok = table.Default()
	assert.False(t, ok, "removing the default peer's last path unsets it")

	table.SetDefault(super)
	table.UnsetDefault()
	_, ok = table.Default()
	assert.False(t, ok)
}

func TestPeersByPathID(t *testing.T) {
	table, _ := newTestTable()
	table.AddPath(peerID(3), PathChildren, addrA, PriorityChildren)
	table.AddPath(peerID(1), PathChildren, addrA, PriorityChildren)
	table.AddPath(peerID(2), PathSuperPeer, addrA, PrioritySuperPeer)

	assert.Equal(t, []crypto.PeerID{peerID(1), peerID(3)}, table.Peers(PathChildren))
	assert.Empty(t, table.Peers(PathTraversal))
}

func TestApplicationActivity(t *testing.T) {
	table, mock := newTestTable()
	p := peerID(1)

	_, ok := table.LastApplication(p)
	assert.False(t, ok)

	table.ApplicationActivity(p)
	ts, ok := table.LastApplication(p)
	require.True(t, ok)
	assert.Equal(t, mock.Now(), ts)

	table.ForgetApplication(p)
	_, ok = table.LastApplication(p)
	assert.False(t, ok)
}
