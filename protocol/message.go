package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
)

// Message is one of *Hello, *Acknowledgement, *Unite or *Application.
type Message interface {
	// Kind returns the body discriminator.
	Kind() Kind
	// Envelope returns the mutable header of the message.
	Envelope() *Header

	isMessage()
}

// Hello is a liveness check. With ChildrenTime > 0 it is a registration
// request to a super peer and must be signed.
type Hello struct {
	Header
	// Time is the send time in unix milliseconds.
	Time int64
	// ChildrenTime is the requested registration lifetime in seconds.
	ChildrenTime int64
	Signature    crypto.Signature
	Addresses    []netip.AddrPort
}

// Acknowledgement answers a Hello by echoing its Time.
type Acknowledgement struct {
	Header
	Time int64
}

// Unite introduces Address to the recipient, reachable at Addresses.
type Unite struct {
	Header
	Address   crypto.PeerID
	Addresses []netip.AddrPort
}

// Application carries an opaque payload.
type Application struct {
	Header
	Payload []byte
}

func (*Hello) Kind() Kind           { return KindHello }
func (*Acknowledgement) Kind() Kind { return KindAcknowledgement }
func (*Unite) Kind() Kind           { return KindUnite }
func (*Application) Kind() Kind     { return KindApplication }

func (*Hello) isMessage()           {}
func (*Acknowledgement) isMessage() {}
func (*Unite) isMessage()           {}
func (*Application) isMessage()     {}

// IsJoin reports whether the Hello registers the sender as a child.
func (h *Hello) IsJoin() bool {
	return h.ChildrenTime > 0
}

// SentAt returns Time as a time.Time.
func (h *Hello) SentAt() time.Time {
	return time.UnixMilli(h.Time)
}

// SentAt returns the echoed Hello time as a time.Time.
func (a *Acknowledgement) SentAt() time.Time {
	return time.UnixMilli(a.Time)
}

func (h *Hello) signedBytes() []byte {
	buf := make([]byte, 0, crypto.PeerIDSize*2+16)
	buf = append(buf, h.Recipient[:]...)
	buf = append(buf, h.Sender[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Time))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.ChildrenTime))
	return buf
}

// Sign sets the Hello signature using the sender identity.
func (h *Hello) Sign(id *crypto.Identity) error {
	sig, err := id.Sign(h.signedBytes())
	if err != nil {
		return fmt.Errorf("sign hello: %w", err)
	}
	h.Signature = sig
	return nil
}

// VerifySignature reports whether the signature was made by Sender.
func (h *Hello) VerifySignature() bool {
	ok, err := crypto.Verify(h.signedBytes(), h.Signature, h.Sender)
	return err == nil && ok
}

// Encode serialises msg.
func Encode(msg Message) ([]byte, error) {
	h := msg.Envelope()
	buf := make([]byte, 0, HeaderSize+64)
	buf = h.encode(buf, msg.Kind())

	switch m := msg.(type) {
	case *Hello:
		if err := limits.ValidateAddressCount(len(m.Addresses), limits.MaxCandidateAddresses); err != nil {
			return nil, fmt.Errorf("encode hello: %w", err)
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(m.Time))
		buf = binary.BigEndian.AppendUint64(buf, uint64(m.ChildrenTime))
		if m.IsJoin() {
			buf = append(buf, m.Signature[:]...)
		}
		buf = appendAddresses(buf, m.Addresses)
	case *Acknowledgement:
		buf = binary.BigEndian.AppendUint64(buf, uint64(m.Time))
	case *Unite:
		if err := limits.ValidateAddressCount(len(m.Addresses), limits.MaxUniteAddresses); err != nil {
			return nil, fmt.Errorf("encode unite: %w", err)
		}
		buf = append(buf, m.Address[:]...)
		buf = appendAddresses(buf, m.Addresses)
	case *Application:
		buf = append(buf, m.Payload...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}

	if err := limits.ValidateDatagram(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a datagram. The returned message does not alias src.
func Decode(src []byte) (Message, error) {
	h, kind, err := decodeHeader(src)
	if err != nil {
		return nil, err
	}
	body := src[HeaderSize:]

	switch kind {
	case KindHello:
		return decodeHello(h, body)
	case KindAcknowledgement:
		if len(body) != 8 {
			return nil, fmt.Errorf("%w: acknowledgement body of %d bytes", ErrMalformed, len(body))
		}
		return &Acknowledgement{Header: h, Time: int64(binary.BigEndian.Uint64(body))}, nil
	case KindUnite:
		return decodeUnite(h, body)
	case KindApplication:
		payload := make([]byte, len(body))
		copy(payload, body)
		return &Application{Header: h, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}

func decodeHello(h Header, body []byte) (*Hello, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("%w: hello body of %d bytes", ErrMalformed, len(body))
	}
	m := &Hello{
		Header:       h,
		Time:         int64(binary.BigEndian.Uint64(body[0:8])),
		ChildrenTime: int64(binary.BigEndian.Uint64(body[8:16])),
	}
	body = body[16:]
	if m.IsJoin() {
		if len(body) < crypto.SignatureSize {
			return nil, fmt.Errorf("%w: join hello without signature", ErrMalformed)
		}
		copy(m.Signature[:], body[:crypto.SignatureSize])
		body = body[crypto.SignatureSize:]
	}

	addrs, rest, err := readAddresses(body, limits.MaxCandidateAddresses)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	m.Addresses = addrs
	return m, nil
}

func decodeUnite(h Header, body []byte) (*Unite, error) {
	if len(body) < crypto.PeerIDSize {
		return nil, fmt.Errorf("%w: unite body of %d bytes", ErrMalformed, len(body))
	}
	m := &Unite{Header: h}
	copy(m.Address[:], body[:crypto.PeerIDSize])

	addrs, rest, err := readAddresses(body[crypto.PeerIDSize:], limits.MaxUniteAddresses)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	m.Addresses = addrs
	return m, nil
}
