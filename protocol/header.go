package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
)

// Magic prefixes every meshlink datagram.
var Magic = [4]byte{0x1E, 0x3F, 0x50, 0x02}

// NonceSize is the size of the per-message nonce.
const NonceSize = 24

// HeaderSize is the encoded size of a Header.
const HeaderSize = 4 + 1 + 1 + 1 + 4 + NonceSize + crypto.PeerIDSize*2 + 4

// MaxApplicationPayload is the largest application payload that still fits
// a datagram once armed.
const MaxApplicationPayload = limits.MaxDatagramSize - HeaderSize - limits.ArmOverhead

// Kind discriminates the message body.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindAcknowledgement
	KindUnite
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindAcknowledgement:
		return "Acknowledgement"
	case KindUnite:
		return "Unite"
	case KindApplication:
		return "Application"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const flagArmed = 1 << 0

// Nonce is a random value unique per message.
type Nonce [NonceSize]byte

// RandomNonce returns a fresh random nonce.
func RandomNonce() Nonce {
	var n Nonce
	_, _ = rand.Read(n[:])
	return n
}

// Header is the public part shared by every message.
type Header struct {
	Armed       bool
	HopCount    uint8
	NetworkID   int32
	Nonce       Nonce
	Recipient   crypto.PeerID
	Sender      crypto.PeerID
	ProofOfWork crypto.ProofOfWork
}

// NewHeader returns a header with a fresh nonce and a zero hop count.
func NewHeader(networkID int32, recipient crypto.PeerID, sender *crypto.Identity) Header {
	return Header{
		NetworkID:   networkID,
		Nonce:       RandomNonce(),
		Recipient:   recipient,
		Sender:      sender.ID,
		ProofOfWork: sender.ProofOfWork,
	}
}

// Envelope returns the header itself. It lets every message expose its
// header through the Message interface.
func (h *Header) Envelope() *Header {
	return h
}

func (h *Header) encode(dst []byte, kind Kind) []byte {
	dst = append(dst, Magic[:]...)
	dst = append(dst, byte(kind))
	var flags byte
	if h.Armed {
		flags |= flagArmed
	}
	dst = append(dst, flags, h.HopCount)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.NetworkID))
	dst = append(dst, h.Nonce[:]...)
	dst = append(dst, h.Recipient[:]...)
	dst = append(dst, h.Sender[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.ProofOfWork))
	return dst
}

func decodeHeader(src []byte) (Header, Kind, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, 0, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformed, len(src), HeaderSize)
	}
	if [4]byte(src[:4]) != Magic {
		return h, 0, ErrBadMagic
	}
	kind := Kind(src[4])
	h.Armed = src[5]&flagArmed != 0
	h.HopCount = src[6]
	h.NetworkID = int32(binary.BigEndian.Uint32(src[7:11]))
	off := 11
	copy(h.Nonce[:], src[off:off+NonceSize])
	off += NonceSize
	copy(h.Recipient[:], src[off:off+crypto.PeerIDSize])
	off += crypto.PeerIDSize
	copy(h.Sender[:], src[off:off+crypto.PeerIDSize])
	off += crypto.PeerIDSize
	h.ProofOfWork = crypto.ProofOfWork(int32(binary.BigEndian.Uint32(src[off : off+4])))
	return h, kind, nil
}
