package sandbox

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// blockedAddressError marks an outbound target rejected by the address
// guard. Its Error() text is guest-visible inside the synthetic 400 body.
type blockedAddressError struct {
	host string
}

func (e *blockedAddressError) Error() string {
	return "BlockedAddress: " + e.host
}

// blockedRanges is parsed once at init time to avoid repeated allocations
// on every classification.
var blockedRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",      // "This" network / unspecified (RFC 1122)
		"10.0.0.0/8",     // Private (RFC 1918)
		"127.0.0.0/8",    // Loopback (RFC 1122)
		"169.254.0.0/16", // Link-local (RFC 3927)
		"172.16.0.0/12",  // Private (RFC 1918)
		"192.168.0.0/16", // Private (RFC 1918)
		"224.0.0.0/4",    // Multicast (RFC 5771)
		"240.0.0.0/4",    // Reserved (RFC 1112)
		"::1/128",        // IPv6 loopback
		"::/128",         // IPv6 unspecified
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		blockedRanges = append(blockedRanges, n)
	}
}

// isBlockedIP reports whether the address falls in a loopback, private,
// link-local, multicast, reserved, or unspecified range.
func isBlockedIP(ip net.IP) bool {
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHost classifies a hostname or textual IP. A DNS name is "not an
// IP" and never blocked here; resolved answers are classified separately
// by the bridge's dialer.
func isBlockedHost(host string) bool {
	if ip := net.ParseIP(normalizeHost(host)); ip != nil {
		return isBlockedIP(ip)
	}
	return false
}

// guardHost rejects hosts that are literal blocked IPs. Called before any
// connection attempt so hard-coded private targets never reach the dialer.
func guardHost(host string) error {
	if isBlockedHost(host) {
		return &blockedAddressError{host: host}
	}
	return nil
}

// normalizeHost lowercases the host and converts unicode labels to their
// punycode form so lookalike hostnames classify the same as their ASCII
// equivalents.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	return host
}
