package addrset

import "net"

// limitedBroadcast is 255.255.255.255.
var limitedBroadcast = net.IPv4(255, 255, 255, 255)

// IsLocal implements the family-appropriate "is local address" test used
// by the connect-redirect callout (spec.md section 4.6): loopback,
// link-local, RFC1918/unique-local, site-local, limited-broadcast, and
// non-global multicast all count as local. Grounded on the original
// driver's ipaddr.cpp per-family tests.
func IsLocal(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return isLocalV4(v4)
	}
	return isLocalV6(ip)
}

func isLocalV4(ip net.IP) bool {
	switch {
	case ip.IsLoopback():
		return true
	case ip.IsLinkLocalUnicast():
		return true
	case isRFC1918(ip):
		return true
	case ip.Equal(limitedBroadcast):
		return true
	case ip.IsMulticast() && !isGlobalMulticastV4(ip):
		return true
	}
	return false
}

func isLocalV6(ip net.IP) bool {
	switch {
	case ip.IsLoopback():
		return true
	case ip.IsLinkLocalUnicast():
		return true
	case isULA(ip):
		return true
	case isSiteLocal(ip):
		return true
	case ip.IsMulticast() && !isGlobalMulticastV6(ip):
		return true
	}
	return false
}

// isRFC1918 reports whether ip falls in 10/8, 172.16/12, or 192.168/16.
func isRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

// isULA reports whether ip is a unique local address (fc00::/7).
func isULA(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return false
	}
	return v6[0]&0xfe == 0xfc
}

// isSiteLocal reports whether ip is a deprecated site-local address
// (fec0::/10), retained for parity with the original driver which still
// tests for it.
func isSiteLocal(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return false
	}
	return v6[0] == 0xfe && v6[1]&0xc0 == 0xc0
}

// isGlobalMulticastV4 reports whether a multicast address has global scope
// (i.e. is not link-local 224.0.0/24 or site/admin-local ranges treated as
// non-global by the original driver).
func isGlobalMulticastV4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	// 224.0.0.0/24 is link-local multicast and 239.0.0.0/8 is
	// administratively scoped; treat both as non-global (local).
	if v4[0] == 239 {
		return false
	}
	return !(v4[0] == 224 && v4[1] == 0 && v4[2] == 0)
}

// isGlobalMulticastV6 reports whether a multicast address has global scope
// per the low nibble of the second byte (RFC 4291 section 2.7).
func isGlobalMulticastV6(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil {
		return false
	}
	scope := v6[1] & 0x0f
	return scope == 0xe // global scope
}

// IsUnspecified reports whether ip is the all-zero "any" address for its
// family (0.0.0.0 or ::).
func IsUnspecified(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}
