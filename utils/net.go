package utils

import (
	"net"
	"strings"
)

// NormalizeIP strips ports and maps loopback/IPv6 forms to a plain IPv4 literal when possible.
// The gateway rejects vnp_IpAddr values it cannot parse as IPv4.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return "127.0.0.1"
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
