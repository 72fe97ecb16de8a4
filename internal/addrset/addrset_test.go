package addrset

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVPNActive(t *testing.T) {
	assert.False(t, Set{}.VPNActive())
	assert.True(t, Set{TunnelV4: net.ParseIP("10.0.0.2")}.VPNActive())
	assert.True(t, Set{TunnelV6: net.ParseIP("fd00::1")}.VPNActive())
	assert.False(t, Set{InternetV4: net.ParseIP("192.168.1.10")}.VPNActive())
}

func TestHolderUpdate(t *testing.T) {
	h := NewHolder()
	h.Store(Set{InternetV4: net.ParseIP("192.168.1.10")})

	h.Update(func(s Set) Set {
		s.TunnelV4 = net.ParseIP("10.0.0.2")
		return s
	})

	got := h.Load()
	assert.True(t, got.VPNActive())
	assert.Equal(t, net.ParseIP("192.168.1.10").String(), got.InternetV4.String())
}

func TestIsLocalV4(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"169.254.1.1":     true,
		"10.0.0.2":        true,
		"172.16.0.5":      true,
		"192.168.1.10":    true,
		"255.255.255.255": true,
		"224.0.0.1":       true,
		"8.8.8.8":         false,
		"1.1.1.1":         false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, IsLocal(net.ParseIP(addr)), addr)
	}
}

func TestIsLocalV6(t *testing.T) {
	cases := map[string]bool{
		"::1":       true,
		"fe80::1":   true,
		"fc00::1":   true,
		"fec0::1":   true,
		"2001:4860:4860::8888": false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, IsLocal(net.ParseIP(addr)), addr)
	}
}

func TestIsUnspecified(t *testing.T) {
	assert.True(t, IsUnspecified(net.ParseIP("0.0.0.0")))
	assert.True(t, IsUnspecified(net.ParseIP("::")))
	assert.True(t, IsUnspecified(nil))
	assert.False(t, IsUnspecified(net.ParseIP("10.0.0.2")))
}
