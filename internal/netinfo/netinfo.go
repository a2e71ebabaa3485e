// Package netinfo picks usable LAN interfaces for discovery and mesh
// address advertisement.
package netinfo

import (
	"net"
	"strings"
)

// Candidate is one usable IPv4 interface address.
type Candidate struct {
	IP   string
	Name string // interface name
	Kind string // "Ethernet", "WiFi" or "Network"
}

// virtualMarkers identify adapters that carry no real LAN traffic
// (hypervisor bridges, container networks, WSL). Broadcasting on them only
// produces ghost rooms nobody can join.
var virtualMarkers = []string{
	"vmware", "virtualbox", "vbox", "vmnet", "vboxnet",
	"hyper-v", "vethernet", "virtual", "virbr", "veth",
	"docker", "br-", "wsl",
}

func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range virtualMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isPrivateLAN(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate()
}

func isLinkLocal(ip string) bool {
	return strings.HasPrefix(ip, "169.254.")
}

// classify maps an interface name to a coarse kind for display.
func classify(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "eth") || strings.HasPrefix(lower, "en") ||
		strings.Contains(lower, "ethernet") || strings.Contains(lower, "lan"):
		return "Ethernet"
	case strings.HasPrefix(lower, "wlan") || strings.HasPrefix(lower, "wl") ||
		strings.Contains(lower, "wi-fi") || strings.Contains(lower, "wifi") ||
		strings.Contains(lower, "wireless"):
		return "WiFi"
	}
	return "Network"
}

// score ranks a candidate: private LAN ranges beat everything, wired links
// beat wireless.
func score(name, ip string) int {
	s := 0
	if isPrivateLAN(ip) {
		s += 10
	}
	switch classify(name) {
	case "Ethernet":
		s += 5
	case "WiFi":
		s += 3
	}
	return s
}

// Candidates enumerates the usable IPv4 interface addresses, filtering out
// loopback, link-local and virtual adapters.
func Candidates() []Candidate {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtual(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || isLinkLocal(ip4.String()) {
				continue
			}
			out = append(out, Candidate{
				IP:   ip4.String(),
				Name: iface.Name,
				Kind: classify(iface.Name),
			})
		}
	}
	return out
}

// LocalIP returns the best-scoring LAN address, or loopback when the host
// has no usable interface at all.
func LocalIP() string {
	best := ""
	bestScore := -1
	for _, c := range Candidates() {
		if s := score(c.Name, c.IP); s > bestScore {
			bestScore = s
			best = c.IP
		}
	}
	if best == "" {
		return "127.0.0.1"
	}
	return best
}

// BroadcastAddr computes the directed broadcast address for the interface
// owning ifaceIP. ok is false when no interface carries that address.
func BroadcastAddr(ifaceIP string) (net.IP, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, false
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.String() != ifaceIP {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			return bcast, true
		}
	}
	return nil, false
}

// NormalizeIP strips the IPv4-mapped IPv6 prefix Go reports for v4
// connections accepted on a dual-stack listener.
func NormalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}
