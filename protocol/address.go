package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// NormalizeAddr un-maps IPv4-in-IPv6 addresses and drops zones so that
// equal endpoints compare equal.
func NormalizeAddr(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
}

func appendAddress(dst []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		b := addr.As4()
		dst = append(dst, 4)
		dst = append(dst, b[:]...)
	} else {
		b := addr.As16()
		dst = append(dst, 16)
		dst = append(dst, b[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, ap.Port())
}

func appendAddresses(dst []byte, list []netip.AddrPort) []byte {
	dst = append(dst, uint8(len(list)))
	for _, ap := range list {
		dst = appendAddress(dst, ap)
	}
	return dst
}

// readAddresses decodes a count-prefixed address list and returns the rest
// of src.
func readAddresses(src []byte, max int) ([]netip.AddrPort, []byte, error) {
	if len(src) < 1 {
		return nil, nil, fmt.Errorf("%w: missing address count", ErrMalformed)
	}
	count := int(src[0])
	src = src[1:]
	if count > max {
		return nil, nil, fmt.Errorf("%w: %d addresses exceed limit of %d", ErrMalformed, count, max)
	}

	list := make([]netip.AddrPort, 0, count)
	for i := 0; i < count; i++ {
		if len(src) < 1 {
			return nil, nil, fmt.Errorf("%w: truncated address %d", ErrMalformed, i)
		}
		n := int(src[0])
		if n != 4 && n != 16 {
			return nil, nil, fmt.Errorf("%w: address length %d", ErrMalformed, n)
		}
		if len(src) < 1+n+2 {
			return nil, nil, fmt.Errorf("%w: truncated address %d", ErrMalformed, i)
		}
		var addr netip.Addr
		if n == 4 {
			addr = netip.AddrFrom4([4]byte(src[1:5]))
		} else {
			addr = netip.AddrFrom16([16]byte(src[1:17]))
		}
		port := binary.BigEndian.Uint16(src[1+n:])
		list = append(list, netip.AddrPortFrom(addr, port))
		src = src[1+n+2:]
	}
	return list, src, nil
}
