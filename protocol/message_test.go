package protocol

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/limits"
)

func testIdentity(t *testing.T, b byte) *crypto.Identity {
	t.Helper()
	var seed [32]byte
	seed[0] = b
	return crypto.IdentityFromSeed(seed, 0)
}

func candidates(n int) []netip.AddrPort {
	list := make([]netip.AddrPort, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			list = append(list, netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, byte(i)}), uint16(22527+i)))
		} else {
			list = append(list, netip.MustParseAddrPort("[2001:db8::1]:443"))
		}
	}
	return list
}

func TestRoundTrip(t *testing.T) {
	alice := testIdentity(t, 1)
	bob := testIdentity(t, 2)

	join := &Hello{
		Header:       NewHeader(1, bob.ID, alice),
		Time:         1_700_000_000_123,
		ChildrenTime: 300,
		Addresses:    candidates(limits.MaxCandidateAddresses),
	}
	require.NoError(t, join.Sign(alice))

	broadcast := &Hello{Header: NewHeader(1, crypto.PeerID{}, alice), Time: 42}
	broadcast.Addresses = []netip.AddrPort{}

	ack := &Acknowledgement{Header: NewHeader(-7, alice.ID, bob), Time: 1_700_000_000_123}
	ack.HopCount = 3

	unite := &Unite{
		Header:    NewHeader(1, alice.ID, bob),
		Address:   bob.ID,
		Addresses: candidates(limits.MaxUniteAddresses),
	}
	emptyUnite := &Unite{Header: NewHeader(1, alice.ID, bob), Address: bob.ID, Addresses: []netip.AddrPort{}}

	app := &Application{Header: NewHeader(1, bob.ID, alice), Payload: []byte("hello bob")}
	app.Armed = true

	tests := []struct {
		name string
		msg  Message
	}{
		{"join hello with maximal candidates", join},
		{"broadcast hello without candidates", broadcast},
		{"acknowledgement", ack},
		{"unite with maximal candidates", unite},
		{"unite without candidates", emptyUnite},
		{"armed application", app},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestHeaderSize(t *testing.T) {
	alice := testIdentity(t, 1)
	data, err := Encode(&Application{Header: NewHeader(0, crypto.PeerID{}, alice)})
	require.NoError(t, err)
	assert.Len(t, data, 103)
	assert.Equal(t, HeaderSize, len(data))
}

func TestHelloSignature(t *testing.T) {
	alice := testIdentity(t, 1)
	bob := testIdentity(t, 2)

	hello := &Hello{Header: NewHeader(1, bob.ID, alice), Time: 1000, ChildrenTime: 60}
	require.NoError(t, hello.Sign(alice))
	assert.True(t, hello.VerifySignature())

	hello.ChildrenTime = 61
	assert.False(t, hello.VerifySignature(), "signature must cover childrenTime")

	hello.ChildrenTime = 60
	hello.Sender = bob.ID
	assert.False(t, hello.VerifySignature(), "signature must be bound to the sender")
}

func TestDecodeErrors(t *testing.T) {
	alice := testIdentity(t, 1)
	valid, err := Encode(&Acknowledgement{Header: NewHeader(1, alice.ID, alice), Time: 5})
	require.NoError(t, err)

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0xFF

	unknownKind := append([]byte(nil), valid...)
	unknownKind[4] = 9

	trailing := append(append([]byte(nil), valid...), 0x00)

	hello, err := Encode(&Hello{Header: NewHeader(1, alice.ID, alice), Addresses: candidates(1)})
	require.NoError(t, err)
	badLength := append([]byte(nil), hello...)
	badLength[HeaderSize+16+1] = 5

	tooMany := append([]byte(nil), hello[:HeaderSize+16]...)
	tooMany = append(tooMany, limits.MaxCandidateAddresses+1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"short header", valid[:HeaderSize-1], ErrMalformed},
		{"bad magic", badMagic, ErrBadMagic},
		{"unknown kind", unknownKind, ErrUnknownKind},
		{"truncated acknowledgement", valid[:len(valid)-1], ErrMalformed},
		{"trailing bytes", trailing, ErrMalformed},
		{"invalid address length", badLength, ErrMalformed},
		{"too many candidates", tooMany, ErrMalformed},
		{"truncated address", hello[:len(hello)-1], ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeRejectsOversizedLists(t *testing.T) {
	alice := testIdentity(t, 1)

	_, err := Encode(&Hello{Header: NewHeader(1, alice.ID, alice), Addresses: candidates(limits.MaxCandidateAddresses + 1)})
	assert.ErrorIs(t, err, limits.ErrTooManyAddresses)

	_, err = Encode(&Unite{Header: NewHeader(1, alice.ID, alice), Addresses: candidates(limits.MaxUniteAddresses + 1)})
	assert.ErrorIs(t, err, limits.ErrTooManyAddresses)

	_, err = Encode(&Application{Header: NewHeader(1, alice.ID, alice), Payload: make([]byte, limits.MaxDatagramSize)})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestNormalizeAddr(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.1]:80")
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:80"), NormalizeAddr(mapped))

	data, err := Encode(&Hello{Header: NewHeader(1, crypto.PeerID{}, testIdentity(t, 1)), Addresses: []netip.AddrPort{mapped}})
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{NormalizeAddr(mapped)}, msg.(*Hello).Addresses)
}
