package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/loop"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// endpoint records everything a session emits.
type endpoint struct {
	session   *Session
	sent      []Segment
	events    []Event
	delivered [][]byte
	peer      *endpoint
	inbox     []Segment
}

func newEndpoint(sched loop.Scheduler, cfg Config, iss uint32) *endpoint {
	e := &endpoint{}
	e.session = NewSession(cfg, sched, Callbacks{
		Send: func(seg Segment) {
			e.sent = append(e.sent, seg)
			if e.peer != nil {
				e.peer.inbox = append(e.peer.inbox, seg)
			}
		},
		Deliver: func(p []byte) { e.delivered = append(e.delivered, p) },
		Event:   func(ev Event) { e.events = append(e.events, ev) },
	})
	e.session.newISS = func() uint32 { return iss }
	return e
}

func connect(a, b *endpoint) {
	a.peer = b
	b.peer = a
}

// flush delivers queued segments in order until both inboxes are empty.
func flush(eps ...*endpoint) {
	for {
		moved := false
		for _, e := range eps {
			for len(e.inbox) > 0 {
				seg := e.inbox[0]
				e.inbox = e.inbox[1:]
				e.session.Receive(seg)
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

func result(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err, ok := <-ch:
		require.True(t, ok, "channel closed without a value")
		return err
	default:
		t.Fatal("open has not completed")
		return nil
	}
}

func pending(ch <-chan error) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func TestHandshakeActivePassive(t *testing.T) {
	tests := []struct {
		name       string
		activeISS  uint32
		passiveISS uint32
	}{
		{"small numbers", 100, 3000},
		{"active wraps", 0xFFFFFFFF, 12},
		{"passive wraps", 7, 0xFFFFFFFF},
		{"equal", 55, 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := loop.NewManual(epoch)
			a := newEndpoint(sched, DefaultConfig(), tt.activeISS)
			b := newEndpoint(sched, DefaultConfig(), tt.passiveISS)
			connect(a, b)

			passive := b.session.Open(false)
			assert.Equal(t, Listen, b.session.State())
			assert.Empty(t, b.sent, "passive open sends nothing")

			active := a.session.Open(true)
			assert.Equal(t, SynSent, a.session.State())
			flush(a, b)

			require.NoError(t, result(t, active))
			require.NoError(t, result(t, passive))
			assert.Equal(t, Established, a.session.State())
			assert.Equal(t, Established, b.session.State())

			av, bv := a.session.Vars(), b.session.Vars()
			assert.Equal(t, av.SndNxt, bv.RcvNxt)
			assert.Equal(t, bv.SndNxt, av.RcvNxt)
			assert.Equal(t, tt.activeISS+1, av.SndNxt)
			assert.Equal(t, tt.passiveISS+1, bv.SndNxt)

			assert.Equal(t, []Event{Completed{SndNxt: av.SndNxt, RcvNxt: av.RcvNxt}}, a.events)
			assert.Equal(t, []Event{Completed{SndNxt: bv.SndNxt, RcvNxt: bv.RcvNxt}}, b.events)

			// No timers survive the handshake.
			assert.Equal(t, 0, sched.Pending())
		})
	}
}

func TestHandshakeSimultaneousOpen(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 10)
	b := newEndpoint(sched, DefaultConfig(), 20)

	ra := a.session.Open(true)
	rb := b.session.Open(true)
	connect(a, b)
	a.inbox = append(a.inbox, b.sent...)
	b.inbox = append(b.inbox, a.sent...)
	flush(a, b)

	require.NoError(t, result(t, ra))
	require.NoError(t, result(t, rb))
	assert.Equal(t, a.session.Vars().SndNxt, b.session.Vars().RcvNxt)
	assert.Equal(t, b.session.Vars().SndNxt, a.session.Vars().RcvNxt)
}

func TestSynSentRejectsUnacceptableAck(t *testing.T) {
	tests := []struct {
		name string
		ack  uint32
	}{
		{"below iss", 99},
		{"equal iss", 100},
		{"beyond snd_nxt", 102},
		{"far beyond", 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := loop.NewManual(epoch)
			a := newEndpoint(sched, DefaultConfig(), 100)
			a.session.Open(true)
			a.sent = nil

			a.session.Receive(synAck(500, tt.ack))

			assert.Equal(t, []Segment{rst(tt.ack)}, a.sent)
			assert.Equal(t, SynSent, a.session.State())
			assert.Equal(t, uint32(0), a.session.Vars().RcvNxt)
		})
	}
}

func TestSynSentUnacceptableRstIsSilent(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 100)
	a.session.Open(true)
	a.sent = nil

	a.session.Receive(rstAck(0, 300))
	a.session.Receive(rst(0))

	assert.Empty(t, a.sent)
	assert.Empty(t, a.events)
	assert.Equal(t, SynSent, a.session.State())
}

func TestSynSentReset(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 100)
	open := a.session.Open(true)

	a.session.Receive(rstAck(0, 101))

	assert.Equal(t, Closed, a.session.State())
	assert.ErrorIs(t, result(t, open), ErrConnectionReset)
	assert.Equal(t, []Event{Failed{Err: ErrConnectionReset}}, a.events)

	// A second RST in Closed raises nothing.
	a.session.Receive(rstAck(0, 101))
	assert.Len(t, a.events, 1)
	assert.Equal(t, 0, sched.Pending())
}

func TestListen(t *testing.T) {
	sched := loop.NewManual(epoch)
	b := newEndpoint(sched, DefaultConfig(), 900)
	b.session.Open(false)

	b.session.Receive(rst(5))
	assert.Empty(t, b.sent)

	b.session.Receive(ack(5, 77))
	assert.Equal(t, []Segment{rst(77)}, b.sent)
	assert.Equal(t, Listen, b.session.State())

	b.sent = nil
	b.session.Receive(Segment{Seq: 1, Flags: Flags{PSH: true}})
	assert.Empty(t, b.sent)
	assert.Equal(t, Listen, b.session.State())
}

func TestClosedStateResets(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 1)

	a.session.Receive(syn(41))
	a.session.Receive(ack(3, 9))
	a.session.Receive(rst(3))

	assert.Equal(t, []Segment{rstAck(0, 42), rst(9)}, a.sent)
}

func TestSynReceived(t *testing.T) {
	setup := func(active bool) (*endpoint, <-chan error) {
		sched := loop.NewManual(epoch)
		b := newEndpoint(sched, DefaultConfig(), 500)
		var open <-chan error
		if active {
			// Simultaneous open puts an active session in SynReceived.
			open = b.session.Open(true)
			b.session.Receive(syn(41))
		} else {
			open = b.session.Open(false)
			b.session.Receive(syn(41))
		}
		require.Equal(t, SynReceived, b.session.State())
		b.sent = nil
		return b, open
	}

	t.Run("out of sequence segment gets corrective ack", func(t *testing.T) {
		b, _ := setup(false)
		b.session.Receive(syn(41))
		assert.Equal(t, []Segment{ack(501, 42)}, b.sent)
		assert.Equal(t, SynReceived, b.session.State())
	})

	t.Run("ack for unsent data is reset and dropped", func(t *testing.T) {
		b, open := setup(false)
		b.session.Receive(ack(42, 600))
		assert.Equal(t, []Segment{rst(600)}, b.sent)
		assert.Equal(t, SynReceived, b.session.State())
		assert.True(t, pending(open))
	})

	t.Run("ack completes", func(t *testing.T) {
		b, open := setup(false)
		b.session.Receive(ack(42, 501))
		assert.Equal(t, Established, b.session.State())
		assert.NoError(t, result(t, open))
	})

	t.Run("rst on passive side returns to listen", func(t *testing.T) {
		b, open := setup(false)
		b.session.Receive(rst(42))
		assert.Equal(t, Listen, b.session.State())
		assert.Empty(t, b.events)
		assert.True(t, pending(open))
	})

	t.Run("rst on active side is refused", func(t *testing.T) {
		b, open := setup(true)
		b.session.Receive(rst(42))
		assert.Equal(t, Closed, b.session.State())
		assert.ErrorIs(t, result(t, open), ErrConnectionRefused)
		assert.Equal(t, []Event{Failed{Err: ErrConnectionRefused}}, b.events)
	})
}

func TestEstablished(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 100)
	b := newEndpoint(sched, DefaultConfig(), 200)
	connect(a, b)
	b.session.Open(false)
	a.session.Open(true)
	flush(a, b)
	require.Equal(t, Established, a.session.State())

	require.NoError(t, a.session.Write([]byte("hello")))
	require.NoError(t, a.session.Write([]byte("world")))
	flush(a, b)
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, b.delivered)
	assert.Equal(t, a.session.Vars().SndNxt, b.session.Vars().RcvNxt)

	// Out-of-sequence data is answered with the expected numbers.
	b.sent = nil
	b.peer = nil
	b.session.Receive(pshAck(1, 201, []byte("stale")))
	assert.Equal(t, []Segment{ack(b.session.Vars().SndNxt, b.session.Vars().RcvNxt)}, b.sent)
	assert.Len(t, b.delivered, 2)

	b.session.Receive(rst(b.session.Vars().RcvNxt))
	assert.Equal(t, Closed, b.session.State())
	assert.Contains(t, b.events, Event(Failed{Err: ErrConnectionReset}))
	assert.ErrorIs(t, b.session.Write([]byte("x")), ErrConnectionClosed)
}

func TestWriteBeforeEstablished(t *testing.T) {
	sched := loop.NewManual(epoch)
	a := newEndpoint(sched, DefaultConfig(), 1)

	assert.ErrorIs(t, a.session.Write([]byte("x")), ErrConnectionClosed)
	a.session.Open(false)
	assert.ErrorIs(t, a.session.Write([]byte("x")), ErrHandshakeInProgress)
	a.session.Open(true)
	assert.ErrorIs(t, a.session.Write([]byte("x")), ErrHandshakeInProgress)
}

func TestHandshakeTimeoutAndRetransmission(t *testing.T) {
	sched := loop.NewManual(epoch)
	cfg := Config{HandshakeTimeout: 5 * time.Second, RetransmissionInterval: time.Second}
	a := newEndpoint(sched, cfg, 100)
	open := a.session.Open(true)

	sched.Advance(3500 * time.Millisecond)
	assert.Equal(t, []Segment{syn(100), syn(100), syn(100), syn(100)}, a.sent)
	assert.True(t, pending(open))

	sched.Advance(2 * time.Second)
	assert.Equal(t, Closed, a.session.State())
	assert.ErrorIs(t, result(t, open), ErrHandshakeTimeout)
	assert.Equal(t, []Event{Failed{Err: ErrHandshakeTimeout}}, a.events)

	sent := len(a.sent)
	sched.Advance(time.Minute)
	assert.Len(t, a.sent, sent, "no retransmission after close")
	assert.Equal(t, 0, sched.Pending())
}

func TestAbort(t *testing.T) {
	t.Run("syn sent closes locally", func(t *testing.T) {
		sched := loop.NewManual(epoch)
		a := newEndpoint(sched, DefaultConfig(), 100)
		open := a.session.Open(true)
		a.sent = nil

		a.session.Abort()
		assert.Empty(t, a.sent)
		assert.Equal(t, Closed, a.session.State())
		assert.ErrorIs(t, result(t, open), ErrConnectionClosed)
		assert.Equal(t, 0, sched.Pending())
	})

	t.Run("established resets peer", func(t *testing.T) {
		sched := loop.NewManual(epoch)
		a := newEndpoint(sched, DefaultConfig(), 100)
		b := newEndpoint(sched, DefaultConfig(), 200)
		connect(a, b)
		b.session.Open(false)
		a.session.Open(true)
		flush(a, b)

		a.session.Abort()
		flush(a, b)
		assert.Equal(t, Closed, a.session.State())
		assert.Equal(t, Closed, b.session.State())
		assert.Equal(t, Failed{Err: ErrConnectionReset}, b.events[len(b.events)-1])
	})
}
