package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// ControlAddr builds the UDP control address for the root node.
//
// The firmware self-reports its IP in the registration payload, but that
// address can be stale or wrong (DHCP renewal, misconfigured static IP). The
// source address of the registration datagram is what the gateway actually
// observed, so it serves as the fallback. Either way the fixed control port
// wins: the source port of a registration is the firmware's ephemeral send
// socket, not the port its command listener is bound to.
func ControlAddr(reportedIP, observedAddr string, controlPort int) (string, bool) {
	if controlPort <= 0 {
		return "", false
	}

	host := hostFromAddr(reportedIP)
	if host == "" {
		host = hostFromAddr(observedAddr)
	}
	if host == "" {
		return "", false
	}

	return net.JoinHostPort(host, strconv.Itoa(controlPort)), true
}

func hostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			port := a[last+1:]
			if _, err := strconv.Atoi(port); err == nil {
				return host
			}
		}
	}

	// If there's no port at all, accept raw IPs/hosts.
	if strings.Contains(a, ":") {
		// Likely raw IPv6 without port.
		return strings.Trim(a, "[]")
	}
	return a
}
