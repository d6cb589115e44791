package types

import (
	"fmt"

	"github.com/NAStools/zerotierone/src/common"
)

// MACLength is the wire length of an Ethernet MAC in bytes.
const MACLength = 6

// MAC is a 48-bit Ethernet address.
type MAC uint64

// NewMACFromBytes reads a 6-byte big-endian MAC.
func NewMACFromBytes(b []byte) (MAC, error) {
	if len(b) < MACLength {
		return 0, common.ErrBufferOverflow
	}
	var m uint64
	for i := 0; i < MACLength; i++ {
		m = (m << 8) | uint64(b[i])
	}
	return MAC(m), nil
}

// NewMACFromAddress derives the deterministic locally-administered unicast
// MAC of a node's virtual port on a network. The first octet mixes the low
// byte of the network ID with the local-admin bit set and the group bit
// clear, so any member can compute any other member's MAC from its address
// alone. 0x52 collides with a MAC prefix common on virtualized hosts and is
// remapped.
func NewMACFromAddress(addr Address, nwid uint64) MAC {
	first := byte(nwid&0xfe) | 0x02
	if first == 0x52 {
		first = 0x32
	}
	m := uint64(first) << 40
	m |= uint64(addr) // 40 bits
	m ^= ((nwid >> 8) & 0xff) << 32
	m ^= ((nwid >> 16) & 0xff) << 24
	m ^= ((nwid >> 24) & 0xff) << 16
	m ^= ((nwid >> 32) & 0xff) << 8
	m ^= (nwid >> 40) & 0xff
	return MAC(m)
}

// ToAddress reverses NewMACFromAddress, recovering the node address from a
// derived MAC on the given network.
func (m MAC) ToAddress(nwid uint64) Address {
	a := uint64(m) & 0xffffffffff
	a ^= ((nwid >> 8) & 0xff) << 32
	a ^= ((nwid >> 16) & 0xff) << 24
	a ^= ((nwid >> 24) & 0xff) << 16
	a ^= ((nwid >> 32) & 0xff) << 8
	a ^= (nwid >> 40) & 0xff
	return Address(a)
}

// IsBroadcast returns true for ff:ff:ff:ff:ff:ff.
func (m MAC) IsBroadcast() bool { return m == 0xffffffffffff }

// IsMulticast returns true if the group bit is set.
func (m MAC) IsMulticast() bool { return m&0x010000000000 != 0 }

// Bytes returns the 6-byte big-endian form.
func (m MAC) Bytes() []byte {
	return []byte{
		byte(m >> 40),
		byte(m >> 32),
		byte(m >> 24),
		byte(m >> 16),
		byte(m >> 8),
		byte(m),
	}
}

// AppendTo appends the 6-byte form to a buffer.
func (m MAC) AppendTo(b *common.Buffer) error {
	return b.Append(m.Bytes())
}

func (m MAC) String() string {
	b := m.Bytes()
	return fmt.Sprintf("%.2x:%.2x:%.2x:%.2x:%.2x:%.2x", b[0], b[1], b[2], b[3], b[4], b[5])
}
