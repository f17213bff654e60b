// Package netutil inspects local interfaces for addresses the relay
// advertises and broadcasts to.
package netutil

import (
	"net"
)

// LANIPs returns the IPv4 addresses of up, non-loopback interfaces.
func LANIPs() ([]string, error) {
	nets, err := lanNets()
	if err != nil {
		return nil, err
	}

	ips := make([]string, 0, len(nets))
	for _, n := range nets {
		ips = append(ips, n.IP.String())
	}
	return ips, nil
}

// AllHosts returns localhost plus the LAN addresses, the names a local
// certificate must cover.
func AllHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}

	lanIPs, err := LANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lanIPs...), nil
}

// BroadcastAddrs returns the directed broadcast address of every LAN subnet.
func BroadcastAddrs() ([]net.IP, error) {
	nets, err := lanNets()
	if err != nil {
		return nil, err
	}

	out := make([]net.IP, 0, len(nets))
	for _, n := range nets {
		if b := Broadcast(n); b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// Broadcast computes ip | ^mask for an IPv4 network.
func Broadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

func lanNets() ([]*net.IPNet, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var nets []*net.IPNet
	for _, iface := range interfaces {
		// Skip down or loopback interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			nets = append(nets, ipNet)
		}
	}
	return nets, nil
}
