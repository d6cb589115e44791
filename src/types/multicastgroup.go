package types

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MulticastGroup is a multicast MAC plus 32 bits of additional
// distinguishing information. ADI is zero for ordinary groups; for
// broadcast it carries the IPv4 address being resolved, which splits
// ARP into per-address groups so a node only hears resolution traffic
// for addresses it actually has.
type MulticastGroup struct {
	MAC MAC
	ADI uint32
}

// NewMulticastGroupForAddressResolution derives the selective broadcast
// group used to ARP for an IPv4 address.
func NewMulticastGroupForAddressResolution(ip netip.Addr) MulticastGroup {
	v4 := ip.As4()
	return MulticastGroup{
		MAC: 0xffffffffffff,
		ADI: binary.BigEndian.Uint32(v4[:]),
	}
}

// Less orders groups by MAC then ADI, for sorted subscription lists.
func (g MulticastGroup) Less(other MulticastGroup) bool {
	if g.MAC != other.MAC {
		return g.MAC < other.MAC
	}
	return g.ADI < other.ADI
}

func (g MulticastGroup) String() string {
	return fmt.Sprintf("%s/%.8x", g.MAC, g.ADI)
}
