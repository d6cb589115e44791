package types

import (
	"net/netip"

	"github.com/NAStools/zerotierone/src/common"
)

// IPScope classifies an IP by where it can be reached from. The numeric
// order is the preference order for path selection: higher scopes are
// tried first when choosing among a peer's physical paths.
type IPScope int

const (
	IPScopeNone          IPScope = iota // not an address, or unusable
	IPScopeMulticast                    // 224.0.0.0/4, ff00::/8
	IPScopeLoopback                     // 127.0.0.0/8, ::1, fe80::1
	IPScopePseudoprivate                // never-routed public blocks
	IPScopeGlobal                       // the public internet
	IPScopeLinkLocal                    // 169.254.0.0/16, fe80::/10
	IPScopeShared                       // 100.64.0.0/10 carrier-grade NAT
	IPScopePrivate                      // 10/8, 172.16/12, 192.168/16, fc00::/7
)

func (s IPScope) String() string {
	switch s {
	case IPScopeMulticast:
		return "multicast"
	case IPScopeLoopback:
		return "loopback"
	case IPScopePseudoprivate:
		return "pseudoprivate"
	case IPScopeGlobal:
		return "global"
	case IPScopeLinkLocal:
		return "linklocal"
	case IPScopeShared:
		return "shared"
	case IPScopePrivate:
		return "private"
	}
	return "none"
}

// InetAddress is an IP endpoint (address + port). The zero value is the
// null address, which serialises as a single zero byte.
type InetAddress struct {
	netip.AddrPort
}

// NewInetAddress wraps an AddrPort.
func NewInetAddress(ap netip.AddrPort) InetAddress { return InetAddress{ap} }

// ParseInetAddress parses "ip:port" or "[ip6]:port".
func ParseInetAddress(s string) (InetAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return InetAddress{}, err
	}
	return InetAddress{ap}, nil
}

// IsNil returns true for the null address.
func (a InetAddress) IsNil() bool { return !a.IsValid() }

// Blocks of public IPv4 space that are assigned but have never been
// routed on the open internet. Endpoints here are deprioritised: they
// are usually a sign of address squatting behind a NAT.
var pseudoprivate4 = map[byte]bool{
	0x06: true, // 6.0.0.0/8 (US Army)
	0x0b: true, // 11.0.0.0/8 (US DoD)
	0x15: true, // 21.0.0.0/8 (US DDN-RVN)
	0x16: true, // 22.0.0.0/8 (US DISA)
	0x19: true, // 25.0.0.0/8 (UK Ministry of Defense)
	0x1a: true, // 26.0.0.0/8 (US DISA)
	0x1c: true, // 28.0.0.0/8 (US DSI-North)
	0x1d: true, // 29.0.0.0/8 (US DISA)
	0x1e: true, // 30.0.0.0/8 (US DISA)
	0x2c: true, // 44.0.0.0/8 (Amateur Radio)
	0x33: true, // 51.0.0.0/8 (UK Department of Social Security)
	0x37: true, // 55.0.0.0/8 (US DoD)
	0x38: true, // 56.0.0.0/8 (US Postal Service)
}

// Scope classifies the address.
func (a InetAddress) Scope() IPScope {
	if !a.IsValid() {
		return IPScopeNone
	}
	ip := a.Addr().Unmap()
	if ip.Is4() {
		b := ip.As4()
		switch b[0] {
		case 0x00, 0xff:
			return IPScopeNone
		case 0x0a:
			return IPScopePrivate
		case 0x64:
			if b[1]&0xc0 == 0x40 {
				return IPScopeShared // 100.64.0.0/10
			}
		case 0x7f:
			return IPScopeLoopback
		case 0xa9:
			if b[1] == 0xfe {
				return IPScopeLinkLocal // 169.254.0.0/16
			}
		case 0xac:
			if b[1]&0xf0 == 0x10 {
				return IPScopePrivate // 172.16.0.0/12
			}
		case 0xc0:
			if b[1] == 0xa8 {
				return IPScopePrivate // 192.168.0.0/16
			}
		}
		if pseudoprivate4[b[0]] {
			return IPScopePseudoprivate
		}
		switch b[0] >> 4 {
		case 0xe:
			return IPScopeMulticast // 224.0.0.0/4
		case 0xf:
			return IPScopePseudoprivate // 240.0.0.0/4
		}
		return IPScopeGlobal
	}

	b := ip.As16()
	if b[0] == 0xff {
		return IPScopeMulticast // ff00::/8
	}
	if b[0] == 0xfe && b[1]&0xc0 == 0x80 {
		// fe80::/10, except fe80::1 which hosts use as loopback
		allZero := true
		for i := 2; i < 15; i++ {
			if b[i] != 0 {
				allZero = false
				break
			}
		}
		if allZero && b[15] == 0x01 {
			return IPScopeLoopback
		}
		return IPScopeLinkLocal
	}
	if b[0]&0xfe == 0xfc {
		return IPScopePrivate // fc00::/7
	}
	allZero := true
	for i := 0; i < 15; i++ {
		if b[i] != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		if b[15] == 0x01 {
			return IPScopeLoopback // ::1
		}
		if b[15] == 0x00 {
			return IPScopeNone // ::
		}
	}
	return IPScopeGlobal
}

// Wire type bytes for serialised addresses. 0x03 is the reserved
// forward-compatible form: a 16-bit length prefix followed by that many
// bytes, which old readers skip without understanding.
const (
	inetTypeNil     = 0x00
	inetTypeUnknown = 0x03
	inetTypeIPv4    = 0x04
	inetTypeIPv6    = 0x06
)

// AppendTo serialises the address to a buffer.
func (a InetAddress) AppendTo(b *common.Buffer) error {
	if !a.IsValid() {
		return b.AppendByte(inetTypeNil)
	}
	ip := a.Addr().Unmap()
	if ip.Is4() {
		if err := b.AppendByte(inetTypeIPv4); err != nil {
			return err
		}
		v4 := ip.As4()
		if err := b.Append(v4[:]); err != nil {
			return err
		}
		return b.AppendUint16(a.Port())
	}
	if err := b.AppendByte(inetTypeIPv6); err != nil {
		return err
	}
	v6 := ip.As16()
	if err := b.Append(v6[:]); err != nil {
		return err
	}
	return b.AppendUint16(a.Port())
}

// ReadInetAddress deserialises an address from buf at offset, returning
// the address and the number of bytes consumed. An unknown family is
// skipped using its length prefix and returns the null address.
func ReadInetAddress(b *common.Buffer, at int) (InetAddress, int, error) {
	t, err := b.ByteAt(at)
	if err != nil {
		return InetAddress{}, 0, err
	}
	switch t {
	case inetTypeNil:
		return InetAddress{}, 1, nil
	case inetTypeUnknown:
		n, err := b.Uint16At(at + 1)
		if err != nil {
			return InetAddress{}, 0, err
		}
		if _, err := b.Field(at+3, int(n)); err != nil {
			return InetAddress{}, 0, err
		}
		return InetAddress{}, 3 + int(n), nil
	case inetTypeIPv4:
		f, err := b.Field(at+1, 4)
		if err != nil {
			return InetAddress{}, 0, err
		}
		port, err := b.Uint16At(at + 5)
		if err != nil {
			return InetAddress{}, 0, err
		}
		var v4 [4]byte
		copy(v4[:], f)
		return InetAddress{netip.AddrPortFrom(netip.AddrFrom4(v4), port)}, 7, nil
	case inetTypeIPv6:
		f, err := b.Field(at+1, 16)
		if err != nil {
			return InetAddress{}, 0, err
		}
		port, err := b.Uint16At(at + 17)
		if err != nil {
			return InetAddress{}, 0, err
		}
		var v6 [16]byte
		copy(v6[:], f)
		return InetAddress{netip.AddrPortFrom(netip.AddrFrom16(v6), port)}, 19, nil
	}
	return InetAddress{}, 0, ErrInvalidAddress
}
