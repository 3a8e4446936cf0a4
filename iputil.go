package main

import (
	"fmt"
	"net"
	"strings"
)

// detectHostIP returns the local IPv4 address used to reach target (host or
// host:port), falling back to the first non-loopback interface address.
func detectHostIP(target string) (string, error) {
	if target != "" {
		if _, _, err := net.SplitHostPort(target); err != nil {
			target = net.JoinHostPort(target, "5060")
		}
		// UDP dial only selects a route, nothing is sent
		if conn, err := net.Dial("udp4", target); err == nil {
			addr, ok := conn.LocalAddr().(*net.UDPAddr)
			conn.Close()
			if ok && !addr.IP.IsLoopback() && addr.IP.To4() != nil {
				return addr.IP.String(), nil
			}
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

// uriHost extracts host[:port] from a sip uri such as sip:user@host:5060;transport=udp.
func uriHost(uri string) string {
	uri = strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if i := strings.IndexByte(uri, '@'); i >= 0 {
		uri = uri[i+1:]
	}
	if i := strings.IndexAny(uri, ";?"); i >= 0 {
		uri = uri[:i]
	}
	return uri
}
