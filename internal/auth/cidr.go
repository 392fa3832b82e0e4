package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultCIDRs is the allow-list assigned to identities created without an
// explicit one: all IPv4 and all IPv6.
var DefaultCIDRs = []string{"0.0.0.0/0", "::/0"}

// ParseCIDRs parses a list of CIDR strings. Bare addresses are accepted and
// treated as single-host prefixes.
func ParseCIDRs(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("auth: invalid address %q: %w", v, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("auth: invalid CIDR %q: %w", v, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// ContainsIP reports whether ip falls inside any prefix. IPv4-mapped IPv6
// addresses are unmapped first so "::ffff:10.0.0.1" matches "10.0.0.0/8".
func ContainsIP(prefixes []netip.Prefix, ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the effective source address of a request. The transport
// peer address is authoritative unless it belongs to trustedProxies, in which
// case the leftmost X-Forwarded-For entry not itself in trustedProxies is
// taken. Requests from untrusted sources never get their forwarding headers
// honored.
func ClientIP(r *http.Request, trustedProxies []netip.Prefix) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port (some test servers and unix sockets).
		host = r.RemoteAddr
	}
	remote, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("auth: unparsable remote address %q: %w", r.RemoteAddr, err)
	}
	remote = remote.Unmap()

	if len(trustedProxies) == 0 || !ContainsIP(trustedProxies, remote) {
		return remote, nil
	}

	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			// A garbage entry poisons the chain; fall back to the proxy address.
			return remote, nil
		}
		addr = addr.Unmap()
		if !ContainsIP(trustedProxies, addr) {
			return addr, nil
		}
	}
	return remote, nil
}
