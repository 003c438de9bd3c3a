package canonical

import "net/netip"

// ParseIP parses s as an IPv4 or IPv6 address. Zone identifiers are
// stripped and IPv4-mapped IPv6 addresses (::ffff:a.b.c.d) are unmapped to
// plain IPv4 so that range checks behave identically for both spellings.
func ParseIP(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// IsPrivateIP reports whether s is an address that must never be reached by
// an agent-driven request: loopback (127/8, ::1), RFC 1918 (10/8,
// 172.16/12, 192.168/16), link-local (169.254/16, fe80::/10),
// current-network (0/8), and unique-local (fc00::/7). Unparsable input
// returns true so the check fails closed.
func IsPrivateIP(s string) bool {
	addr, ok := ParseIP(s)
	if !ok {
		return true
	}
	return IsPrivateAddr(addr)
}

// IsPrivateAddr is IsPrivateIP for an already-parsed address.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return true
	}
	// Current-network 0.0.0.0/8 (IsUnspecified only covers 0.0.0.0 itself).
	if addr.Is4() && addr.As4()[0] == 0 {
		return true
	}
	return false
}

// IPInCIDR reports whether ip lies within cidr. IPv4-mapped IPv6 addresses
// are coerced to IPv4 when compared against an IPv4 CIDR and vice-versa;
// mixed families that cannot be coerced never match. Unparsable input
// returns false.
func IPInCIDR(ip, cidr string) bool {
	addr, ok := ParseIP(ip)
	if !ok {
		return false
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	// Coerce a v4-mapped prefix (::ffff:a.b.c.d/n) down to IPv4.
	if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	if addr.Is4() != prefix.Addr().Is4() {
		return false
	}
	return prefix.Contains(addr)
}
