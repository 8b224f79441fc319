// Package privacy keeps caller-identifying data out of logs and traces.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
)

// AnonymizeIP truncates an IP address to its network prefix.
//
// IPv4 keeps the /24 ("192.168.1.47" -> "192.168.1.0"), IPv6 keeps the /48
// ("2001:db8:85a3::8a2e:370:7334" -> "2001:db8:85a3::"). IPv4-mapped IPv6
// addresses are treated as IPv4.
//
// Returns "invalid" for unparseable IP addresses, and "unknown" for empty strings.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()

	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}

// Fingerprint returns a short stable digest of a secret-bearing value, such as
// a bearer token, so log lines can be correlated without exposing it.
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
