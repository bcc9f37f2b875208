package handshake

import (
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/loop"
)

// Event reports a handshake outcome.
type Event interface {
	isEvent()
}

// Completed is emitted once the session reaches Established.
type Completed struct {
	SndNxt uint32
	RcvNxt uint32
}

// Failed is emitted when the session closes because of an error.
type Failed struct {
	Err error
}

func (Completed) isEvent() {}
func (Failed) isEvent()    {}

// Callbacks connect a Session to its surroundings. Nil callbacks are
// ignored.
type Callbacks struct {
	// Send transmits a segment to the remote peer.
	Send func(Segment)
	// Deliver receives in-sequence payloads once established.
	Deliver func(payload []byte)
	// Event receives Completed and Failed notifications.
	Event func(Event)
}

// Vars are the sequence variables of a session.
type Vars struct {
	SndUna uint32
	SndNxt uint32
	ISS    uint32
	RcvNxt uint32
	IRS    uint32
}

// Session is one end of a connection handshake.
type Session struct {
	// Label identifies the session in log output.
	Label string

	cfg    Config
	sched  loop.Scheduler
	cb     Callbacks
	newISS func() uint32

	state  State
	active bool
	vars   Vars

	waiters     []chan error
	timeout     loop.Timer
	retransmit  loop.Timer
	outstanding Segment
}

// NewSession creates a closed session.
func NewSession(cfg Config, sched loop.Scheduler, cb Callbacks) *Session {
	return &Session{
		cfg:    cfg,
		sched:  sched,
		cb:     cb,
		newISS: rand.Uint32,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Vars returns a copy of the sequence variables.
func (s *Session) Vars() Vars {
	return s.vars
}

// Open starts an active or passive open. The returned channel receives
// exactly one value, nil once Established, and is then closed.
func (s *Session) Open(active bool) <-chan error {
	ch := make(chan error, 1)

	switch s.state {
	case Established:
		ch <- nil
		close(ch)
		return ch
	case SynSent, SynReceived:
		ch <- ErrHandshakeInProgress
		close(ch)
		return ch
	}

	s.waiters = append(s.waiters, ch)
	s.active = active
	if active {
		s.activeOpen()
	} else {
		s.setState(Listen)
	}
	return ch
}

// Write sends payload on an established connection.
func (s *Session) Write(payload []byte) error {
	switch s.state {
	case Closed:
		return ErrConnectionClosed
	case Established:
	default:
		return ErrHandshakeInProgress
	}
	if len(payload) == 0 {
		return nil
	}

	seg := pshAck(s.vars.SndNxt, s.vars.RcvNxt, payload)
	s.vars.SndNxt += uint32(len(payload))
	s.send(seg)
	return nil
}

// Abort closes the session. Synchronized sessions reset the peer first.
func (s *Session) Abort() {
	switch s.state {
	case Closed:
		return
	case SynReceived, Established:
		s.send(rst(s.vars.SndNxt))
	}

	s.cancelTimers()
	s.setState(Closed)
	s.resolve(ErrConnectionClosed)
}

// Receive processes an inbound segment.
func (s *Session) Receive(seg Segment) {
	logrus.WithFields(logrus.Fields{
		"function": "Session.Receive",
		"session":  s.Label,
		"state":    s.state.String(),
		"segment":  seg.String(),
	}).Debug("Segment received")

	switch s.state {
	case Closed:
		s.receiveClosed(seg)
	case Listen:
		s.receiveListen(seg)
	case SynSent:
		s.receiveSynSent(seg)
	default:
		s.receiveSynchronized(seg)
	}
}

func (s *Session) receiveClosed(seg Segment) {
	if seg.Flags.RST {
		return
	}
	if seg.Flags.ACK {
		s.send(rst(seg.Ack))
		return
	}
	s.send(rstAck(0, seg.Seq+seg.Len()))
}

func (s *Session) receiveListen(seg Segment) {
	switch {
	case seg.Flags.RST:
		return
	case seg.Flags.ACK:
		// Nothing has been sent that could be acknowledged.
		s.send(rst(seg.Ack))
	case seg.Flags.SYN:
		s.vars.RcvNxt = seg.Seq + 1
		s.vars.IRS = seg.Seq
		s.vars.ISS = s.newISS()
		s.vars.SndUna = s.vars.ISS
		s.vars.SndNxt = s.vars.ISS + 1
		s.setState(SynReceived)

		reply := synAck(s.vars.ISS, s.vars.RcvNxt)
		s.send(reply)
		s.startTimers(reply)
	default:
		s.unexpected(seg)
	}
}

func (s *Session) receiveSynSent(seg Segment) {
	if seg.Flags.ACK && (seqLEQ(seg.Ack, s.vars.ISS) || seqGT(seg.Ack, s.vars.SndNxt)) {
		// Acknowledges something never sent; the peer is synchronized to
		// another connection.
		if !seg.Flags.RST {
			s.send(rst(seg.Ack))
		}
		return
	}

	if seg.Flags.RST {
		if s.acceptableAck(seg) {
			s.cancelTimers()
			s.setState(Closed)
			s.fail(ErrConnectionReset)
		}
		return
	}

	if !seg.Flags.SYN {
		s.unexpected(seg)
		return
	}

	s.vars.RcvNxt = seg.Seq + 1
	s.vars.IRS = seg.Seq
	if seg.Flags.ACK {
		s.vars.SndUna = seg.Ack
	}

	if seqGT(s.vars.SndUna, s.vars.ISS) {
		s.send(ack(s.vars.SndNxt, s.vars.RcvNxt))
		s.establish()
		return
	}

	// Simultaneous open.
	s.setState(SynReceived)
	reply := synAck(s.vars.ISS, s.vars.RcvNxt)
	s.outstanding = reply
	s.send(reply)
}

func (s *Session) receiveSynchronized(seg Segment) {
	validSeq := seg.Seq == s.vars.RcvNxt
	acceptable := s.acceptableAck(seg)

	if !validSeq && !acceptable {
		if !seg.Flags.RST {
			s.send(ack(s.vars.SndNxt, s.vars.RcvNxt))
		}
		return
	}

	if seg.Flags.RST {
		s.cancelTimers()
		switch {
		case s.state == Established:
			s.setState(Closed)
			s.fail(ErrConnectionReset)
		case s.active:
			s.setState(Closed)
			s.fail(ErrConnectionRefused)
		default:
			// The peer gave up; wait for the next SYN.
			s.setState(Listen)
		}
		return
	}

	if seg.Flags.ACK {
		switch s.state {
		case SynReceived:
			if !seqLEQ(s.vars.SndUna, seg.Ack) || !seqLEQ(seg.Ack, s.vars.SndNxt) {
				s.send(rst(seg.Ack))
				return
			}
			if acceptable {
				s.vars.SndUna = seg.Ack
			}
			s.establish()
		case Established:
			if acceptable {
				s.vars.SndUna = seg.Ack
			}
		}
	}

	if s.state == Established && validSeq && len(seg.Payload) > 0 {
		s.vars.RcvNxt += uint32(len(seg.Payload))
		if s.cb.Deliver != nil {
			s.cb.Deliver(seg.Payload)
		}
	}
}

func (s *Session) acceptableAck(seg Segment) bool {
	return seg.Flags.ACK && seqLT(s.vars.SndUna, seg.Ack) && seqLEQ(seg.Ack, s.vars.SndNxt)
}

func (s *Session) activeOpen() {
	s.vars.ISS = s.newISS()
	s.vars.SndUna = s.vars.ISS
	s.vars.SndNxt = s.vars.ISS + 1

	seg := syn(s.vars.ISS)
	s.setState(SynSent)
	s.send(seg)
	s.startTimers(seg)
}

func (s *Session) establish() {
	s.cancelTimers()
	s.setState(Established)
	s.resolve(nil)

	logrus.WithFields(logrus.Fields{
		"function": "Session.establish",
		"session":  s.Label,
		"snd_nxt":  s.vars.SndNxt,
		"rcv_nxt":  s.vars.RcvNxt,
	}).Info("Handshake completed")

	s.emit(Completed{SndNxt: s.vars.SndNxt, RcvNxt: s.vars.RcvNxt})
}

func (s *Session) startTimers(seg Segment) {
	s.cancelTimers()
	s.outstanding = seg

	if s.cfg.HandshakeTimeout > 0 {
		s.timeout = s.sched.AfterFunc(s.cfg.HandshakeTimeout, s.onTimeout)
	}
	if s.cfg.RetransmissionInterval > 0 {
		s.retransmit = loop.Every(s.sched, s.cfg.RetransmissionInterval, s.cfg.RetransmissionInterval, s.onRetransmit)
	}
}

func (s *Session) cancelTimers() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.retransmit != nil {
		s.retransmit.Stop()
		s.retransmit = nil
	}
}

func (s *Session) onTimeout() {
	if s.state == Closed || s.state == Established {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.onTimeout",
		"session":  s.Label,
		"state":    s.state.String(),
		"timeout":  s.cfg.HandshakeTimeout,
	}).Warn("Handshake timed out")

	s.cancelTimers()
	s.setState(Closed)
	s.fail(ErrHandshakeTimeout)
}

func (s *Session) onRetransmit() {
	if s.state != SynSent && s.state != SynReceived {
		return
	}
	s.send(s.outstanding)
}

func (s *Session) fail(err error) {
	s.resolve(err)
	s.emit(Failed{Err: err})
}

func (s *Session) resolve(err error) {
	for _, ch := range s.waiters {
		ch <- err
		close(ch)
	}
	s.waiters = nil
}

func (s *Session) emit(ev Event) {
	if s.cb.Event != nil {
		s.cb.Event(ev)
	}
}

func (s *Session) send(seg Segment) {
	if s.cb.Send != nil {
		s.cb.Send(seg)
	}
}

func (s *Session) setState(next State) {
	if next == s.state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Session.setState",
		"session":  s.Label,
		"from":     s.state.String(),
		"to":       next.String(),
	}).Debug("State changed")
	s.state = next
}

func (s *Session) unexpected(seg Segment) {
	logrus.WithFields(logrus.Fields{
		"function": "Session.Receive",
		"session":  s.Label,
		"state":    s.state.String(),
		"segment":  seg.String(),
	}).Debug("Dropping unexpected segment")
}
