package tool

import (
	"net"
	"slices"
)

// lanInterface reports whether iface can carry LAN traffic worth advertising.
func lanInterface(iface *net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	if iface.Flags&net.FlagPointToPoint != 0 {
		return false // utun / tun / vpn
	}
	return true
}

// LocalIPv4Addrs lists the non-loopback IPv4 addresses of interfaces that are
// up, sorted. Used to print where the server can be reached.
func LocalIPv4Addrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var result []string
	for i := range ifaces {
		if !lanInterface(&ifaces[i]) {
			continue
		}
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				result = append(result, ipv4.String())
			}
		}
	}
	slices.Sort(result)
	return slices.Compact(result)
}
