package transport

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/protocol"
)

// LocalCandidates returns the unicast addresses of the active non-loopback
// interfaces combined with port. Link-local addresses are skipped. The list
// is capped at limits.MaxCandidateAddresses.
func LocalCandidates(port uint16) ([]netip.AddrPort, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []netip.AddrPort
	for _, iface := range ifaces {
		if !isInterfaceActive(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip, ok := candidateAddr(a)
			if !ok {
				continue
			}
			ap := protocol.NormalizeAddr(netip.AddrPortFrom(ip, port))
			if !slices.Contains(out, ap) {
				out = append(out, ap)
			}
		}
	}

	if len(out) > limits.MaxCandidateAddresses {
		out = out[:limits.MaxCandidateAddresses]
	}
	return out, nil
}

// isInterfaceActive checks if a network interface is up and not a loopback interface.
func isInterfaceActive(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
}

func candidateAddr(a net.Addr) (netip.Addr, bool) {
	ipnet, ok := a.(*net.IPNet)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(ipnet.IP)
	if !ok {
		return netip.Addr{}, false
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return netip.Addr{}, false
	}
	return ip, true
}
