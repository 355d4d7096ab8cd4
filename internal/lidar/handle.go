// Package lidar holds the shared vocabulary of the host SDK: device
// handles, device families, status codes and the user callback types that
// the subsystem packages exchange.
package lidar

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Handle identifies a sensor by its IPv4 address, carried as the 32-bit
// value inet_addr would produce on a little-endian host: the first octet
// of the address is the least-significant byte. Handles are the device
// identity everywhere in the SDK; they are never mixed with port numbers.
type Handle uint32

// HandleFromIP converts an IPv4 address to a Handle. The second return is
// false when the address is not IPv4.
func HandleFromIP(ip net.IP) (Handle, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return Handle(binary.LittleEndian.Uint32(v4)), true
}

// MustHandle converts a dotted-quad string to a Handle and panics on bad
// input. Intended for tests and literals.
func MustHandle(s string) Handle {
	h, ok := HandleFromIP(net.ParseIP(s))
	if !ok {
		panic(fmt.Sprintf("lidar: bad IPv4 address %q", s))
	}
	return h
}

// IP returns the IPv4 address the handle encodes.
func (h Handle) IP() net.IP {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(h))
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// String renders the handle as a dotted quad.
func (h Handle) String() string {
	return h.IP().String()
}
