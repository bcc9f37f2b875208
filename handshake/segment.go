package handshake

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SegmentHeaderSize is the size of the fixed segment header.
const SegmentHeaderSize = 9

// Control bit positions in the ctl byte.
const (
	bitFIN = 1 << iota
	bitSYN
	bitRST
	bitPSH
	bitACK
	bitURG
)

// Flags are the decoded control bits of a segment.
type Flags struct {
	FIN bool
	SYN bool
	RST bool
	PSH bool
	ACK bool
	URG bool
}

// ParseFlags decodes a ctl byte. Unknown bits are ignored.
func ParseFlags(b byte) Flags {
	return Flags{
		FIN: b&bitFIN != 0,
		SYN: b&bitSYN != 0,
		RST: b&bitRST != 0,
		PSH: b&bitPSH != 0,
		ACK: b&bitACK != 0,
		URG: b&bitURG != 0,
	}
}

// Byte encodes the flags as a ctl byte.
func (f Flags) Byte() byte {
	var b byte
	for _, bit := range []struct {
		set  bool
		mask byte
	}{{f.FIN, bitFIN}, {f.SYN, bitSYN}, {f.RST, bitRST}, {f.PSH, bitPSH}, {f.ACK, bitACK}, {f.URG, bitURG}} {
		if bit.set {
			b |= bit.mask
		}
	}
	return b
}

func (f Flags) String() string {
	var names []string
	for _, bit := range []struct {
		set  bool
		name string
	}{{f.SYN, "SYN"}, {f.FIN, "FIN"}, {f.RST, "RST"}, {f.PSH, "PSH"}, {f.ACK, "ACK"}, {f.URG, "URG"}} {
		if bit.set {
			names = append(names, bit.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// Segment is the unit exchanged by handshake sessions.
type Segment struct {
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Payload []byte
}

// Len returns the sequence space consumed by the segment.
func (s Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags.SYN {
		n++
	}
	if s.Flags.FIN {
		n++
	}
	return n
}

func (s Segment) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d", s.Flags, s.Seq, s.Ack, len(s.Payload))
}

// MarshalBinary encodes the segment.
func (s Segment) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SegmentHeaderSize, SegmentHeaderSize+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], s.Seq)
	binary.BigEndian.PutUint32(buf[4:8], s.Ack)
	buf[8] = s.Flags.Byte()
	return append(buf, s.Payload...), nil
}

// UnmarshalBinary decodes a segment. The payload is copied.
func (s *Segment) UnmarshalBinary(data []byte) error {
	if len(data) < SegmentHeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformedSegment, len(data), SegmentHeaderSize)
	}
	s.Seq = binary.BigEndian.Uint32(data[0:4])
	s.Ack = binary.BigEndian.Uint32(data[4:8])
	s.Flags = ParseFlags(data[8])
	s.Payload = nil
	if len(data) > SegmentHeaderSize {
		s.Payload = append([]byte(nil), data[SegmentHeaderSize:]...)
	}
	return nil
}

func syn(seq uint32) Segment {
	return Segment{Seq: seq, Flags: Flags{SYN: true}}
}

func synAck(seq, ack uint32) Segment {
	return Segment{Seq: seq, Ack: ack, Flags: Flags{SYN: true, ACK: true}}
}

func ack(seq, ack uint32) Segment {
	return Segment{Seq: seq, Ack: ack, Flags: Flags{ACK: true}}
}

func rst(seq uint32) Segment {
	return Segment{Seq: seq, Flags: Flags{RST: true}}
}

func rstAck(seq, ack uint32) Segment {
	return Segment{Seq: seq, Ack: ack, Flags: Flags{RST: true, ACK: true}}
}

func pshAck(seq, ack uint32, payload []byte) Segment {
	return Segment{Seq: seq, Ack: ack, Flags: Flags{PSH: true, ACK: true}, Payload: payload}
}

// Serial number arithmetic over the 32-bit sequence space.

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return a == b || seqLT(a, b) }
func seqGT(a, b uint32) bool  { return seqLT(b, a) }
