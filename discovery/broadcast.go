package discovery

import (
	"net"
)

// limitedBroadcast is used when no interface yields a directed broadcast address.
var limitedBroadcast = net.IPv4bcast

type interfaceAddrs struct {
	Index int
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// broadcastTarget is a presence destination. A non-zero IfIndex pins the
// outgoing interface.
type broadcastTarget struct {
	Addr    *net.UDPAddr
	IfIndex int
}

func systemInterfaces() ([]interfaceAddrs, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]interfaceAddrs, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, interfaceAddrs{
			Index: iface.Index,
			Name:  iface.Name,
			Flags: iface.Flags,
			Addrs: addrs,
		})
	}
	return out, nil
}

// broadcastAddresses returns ip | ^mask for every non-loopback IPv4 address of
// every interface that is up, without duplicates, bound to the interface
// that owns the address. The limited broadcast fallback has no interface.
func broadcastAddresses(ifaces []interfaceAddrs, port int) []broadcastTarget {
	out := make([]broadcastTarget, 0, len(ifaces))
	seen := make(map[string]struct{})

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		for _, addr := range iface.Addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ipv4 := ipnet.IP.To4()
			if ipv4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if len(mask) != net.IPv4len {
				continue
			}

			broadcast := make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				broadcast[i] = ipv4[i] | ^mask[i]
			}
			key := broadcast.String()
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, broadcastTarget{
				Addr:    &net.UDPAddr{IP: broadcast, Port: port},
				IfIndex: iface.Index,
			})
		}
	}

	if len(out) == 0 {
		out = append(out, broadcastTarget{Addr: &net.UDPAddr{IP: limitedBroadcast, Port: port}})
	}
	return out
}
