package discovery

import (
	"bytes"
	"net/netip"
	"slices"

	"github.com/opd-ai/meshlink/crypto"
	"github.com/opd-ai/meshlink/protocol"
)

func containsAddr(list []netip.AddrPort, ap netip.AddrPort) bool {
	return slices.Contains(list, ap)
}

// normalizeAddrs unmaps every address and removes duplicates and invalid
// entries, keeping the first occurrence.
func normalizeAddrs(list []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(list))
	for _, ap := range list {
		if !ap.IsValid() {
			continue
		}
		ap = protocol.NormalizeAddr(ap)
		if !containsAddr(out, ap) {
			out = append(out, ap)
		}
	}
	return out
}

// sameAddrSet compares two duplicate free lists ignoring order.
func sameAddrSet(a, b []netip.AddrPort) bool {
	if len(a) != len(b) {
		return false
	}
	for _, ap := range a {
		if !containsAddr(b, ap) {
			return false
		}
	}
	return true
}

func sortPeerIDs(ids []crypto.PeerID) {
	slices.SortFunc(ids, func(x, y crypto.PeerID) int {
		return bytes.Compare(x[:], y[:])
	})
}
