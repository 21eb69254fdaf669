// Package netutil picks the address devices on the LAN should dial.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// LocalIP returns the best IPv4 address for LAN devices to reach this
// machine: the first non-loopback IPv4 on an up interface, then the
// address of the default outbound route, then 127.0.0.1.
func LocalIP() string {
	if ip := InterfaceIP(); ip != "" {
		return ip
	}
	if ip := PreferredOutboundIP(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

// InterfaceIP scans network interfaces for a non-loopback IPv4 address.
// Tailscale addresses are skipped here; phones on the same Wi-Fi cannot
// reach them unless they run Tailscale too. See TailscaleIP.
func InterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || tailscaleNet.Contains(ip) {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

// PreferredOutboundIP returns the local address of the default route.
func PreferredOutboundIP() string {
	// Dial UDP to a public IP. No actual packets are sent for UDP;
	// this just lets us query which local interface the OS would use.
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return localAddr.IP.String()
}

// tailscaleNet is the CGNAT range used by Tailscale (100.64.0.0/10).
var tailscaleNet = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// TailscaleIP scans network interfaces for a Tailscale IP address.
// Returns empty string if no Tailscale IP is found.
func TailscaleIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip != nil && tailscaleNet.Contains(ip) {
				return ip.String()
			}
		}
	}
	return ""
}

// WebSocketURL formats the URL a device dials.
func WebSocketURL(host string, port int) string {
	return fmt.Sprintf("ws://%s", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Candidates lists every URL a device might use to reach the hub, best
// first, without duplicates.
func Candidates(port int) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, ip := range []string{InterfaceIP(), PreferredOutboundIP(), TailscaleIP()} {
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		urls = append(urls, WebSocketURL(ip, port))
	}
	if len(urls) == 0 {
		urls = append(urls, WebSocketURL("127.0.0.1", port))
	}
	return urls
}
