package util

import (
	"net"
	"strings"
)

// RedactIP coarsens an address before it reaches a log line: the last
// IPv4 octet (or the IPv6 tail) is zeroed, and anything unparseable is
// reduced to a short digest.
func RedactIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "hash:" + SHA256Hex([]byte(ip))[:16]
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// RedactSensitive keeps two characters of context on either end of a
// value whose key looks secret-bearing.
func RedactSensitive(key, val string) string {
	lower := strings.ToLower(key)
	sensitive := strings.Contains(lower, "password") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") ||
		strings.Contains(lower, "hash") ||
		strings.Contains(lower, "key")
	if !sensitive {
		return val
	}
	if len(val) <= 4 {
		return "***"
	}
	return val[:2] + "***" + val[len(val)-2:]
}
