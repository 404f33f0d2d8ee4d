package sockaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndAccessors(t *testing.T) {
	sa := New(44818, 0xC0A80001)
	assert.Equal(t, uint16(44818), sa.Port())
	assert.Equal(t, uint32(0xC0A80001), sa.Addr())
	assert.Equal(t, "192.168.0.1", sa.IP().String())
}

func TestFromUDPAddr(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("10.0.0.5").To4(), Port: 2222}
	sa := FromUDPAddr(udp)
	assert.Equal(t, uint16(2222), sa.Port())
	assert.Equal(t, "10.0.0.5", sa.IP().String())
}

func TestFromUDPAddrRejectsIPv6(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 1}
	sa := FromUDPAddr(udp)
	assert.Equal(t, SockAddr{}, sa)
}

func TestUDPAddrRoundTrip(t *testing.T) {
	sa := New(2222, 0x0A000005)
	udp := sa.UDPAddr()
	assert.Equal(t, 2222, udp.Port)
	assert.Equal(t, "10.0.0.5", udp.IP.String())
}

func TestEqual(t *testing.T) {
	a := New(1, 2)
	b := New(1, 2)
	c := New(1, 3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestIsMulticast(t *testing.T) {
	cases := []struct {
		name string
		addr uint32
		want bool
	}{
		{"below range", 0xDFFFFFFF, false},
		{"range start", 0xE0000000, true},
		{"range end", 0xEFFFFFFF, true},
		{"above range", 0xF0000000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, New(0, tc.addr).IsMulticast())
		})
	}
}
