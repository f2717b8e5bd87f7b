package util

import (
	"encoding/hex"
	"net"
	"net/netip"

	"golang.org/x/crypto/blake2b"
)

const (
	ipv4KeepBits   = 24
	ipv6KeepBits   = 32
	maxLoggedQuery = 32
)

// RedactIP masks an address (with or without a port) down to its network
// prefix. Anything unparseable is replaced by a short digest.
func RedactIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		sum := blake2b.Sum256([]byte(addr))
		return "hash:" + hex.EncodeToString(sum[:8])
	}
	ip = ip.Unmap().WithZone("")
	bits := ipv6KeepBits
	if ip.Is4() {
		bits = ipv4KeepBits
	}
	prefix, _ := ip.Prefix(bits)
	return prefix.Addr().String()
}

// RedactQuery shortens free text (search queries, titles) for logging.
func RedactQuery(q string) string {
	r := []rune(q)
	if len(r) <= maxLoggedQuery {
		return q
	}
	return string(r[:maxLoggedQuery]) + "...[TRUNCATED]"
}
