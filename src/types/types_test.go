package types

import (
	"testing"

	"github.com/NAStools/zerotierone/src/common"
)

func TestAddressValidity(t *testing.T) {
	if Address(0).Valid() {
		t.Fatalf("zero address must be invalid")
	}
	if Address(0xff00000001).Valid() {
		t.Fatalf("reserved prefix must be invalid")
	}
	if !Address(0x8056c2e21c).Valid() {
		t.Fatalf("ordinary address must be valid")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address(0x8056c2e21c)

	b, err := NewAddressFromBytes(a.Bytes())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if b != a {
		t.Fatalf("byte round trip: %v != %v", b, a)
	}

	c, err := NewAddressFromString(a.String())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if c != a {
		t.Fatalf("string round trip: %v != %v", c, a)
	}

	if _, err := NewAddressFromString("xyz"); err == nil {
		t.Fatalf("garbage should not parse")
	}
}

func TestMACDerivation(t *testing.T) {
	nwid := uint64(0x8056c2e21c000001)
	addr := Address(0x89e92ceb5d)

	m := NewMACFromAddress(addr, nwid)

	if m.IsMulticast() {
		t.Fatalf("derived MAC must be unicast: %s", m)
	}
	if b := m.Bytes(); b[0]&0x02 == 0 {
		t.Fatalf("derived MAC must be locally administered: %s", m)
	}
	if back := m.ToAddress(nwid); back != addr {
		t.Fatalf("ToAddress: %v != %v", back, addr)
	}

	// Different nodes on the same network must get different MACs.
	if NewMACFromAddress(Address(0x0123456789), nwid) == m {
		t.Fatalf("MAC collision between distinct addresses")
	}
}

func TestInetAddressScope(t *testing.T) {
	cases := []struct {
		addr  string
		scope IPScope
	}{
		{"127.0.0.1:0", IPScopeLoopback},
		{"10.0.0.1:0", IPScopePrivate},
		{"172.16.0.1:0", IPScopePrivate},
		{"172.32.0.1:0", IPScopeGlobal},
		{"192.168.1.1:0", IPScopePrivate},
		{"100.64.0.1:0", IPScopeShared},
		{"100.128.0.1:0", IPScopeGlobal},
		{"169.254.1.1:0", IPScopeLinkLocal},
		{"224.0.0.1:0", IPScopeMulticast},
		{"11.0.0.1:0", IPScopePseudoprivate},
		{"8.8.8.8:0", IPScopeGlobal},
		{"[::1]:0", IPScopeLoopback},
		{"[fe80::1]:0", IPScopeLoopback},
		{"[fe80::2]:0", IPScopeLinkLocal},
		{"[fc00::1]:0", IPScopePrivate},
		{"[fd12:3456::1]:0", IPScopePrivate},
		{"[ff02::1]:0", IPScopeMulticast},
		{"[2001:4860::8888]:0", IPScopeGlobal},
	}

	for _, c := range cases {
		a, err := ParseInetAddress(c.addr)
		if err != nil {
			t.Fatalf("parse %s: %v", c.addr, err)
		}
		if s := a.Scope(); s != c.scope {
			t.Fatalf("%s: scope %s, want %s", c.addr, s, c.scope)
		}
	}

	if (InetAddress{}).Scope() != IPScopeNone {
		t.Fatalf("nil address must have scope none")
	}
}

func TestInetAddressSerialization(t *testing.T) {
	for _, s := range []string{"1.2.3.4:9993", "[2607:f8b0::1]:9993"} {
		a, err := ParseInetAddress(s)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		b := common.NewBuffer(64)
		if err := a.AppendTo(b); err != nil {
			t.Fatalf("append: %v", err)
		}

		back, n, err := ReadInetAddress(b, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n != b.Len() {
			t.Fatalf("consumed %d of %d", n, b.Len())
		}
		if back.AddrPort != a.AddrPort {
			t.Fatalf("round trip: %v != %v", back, a)
		}
	}
}

func TestInetAddressNilSerialization(t *testing.T) {
	b := common.NewBuffer(8)
	if err := (InetAddress{}).AppendTo(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("nil address must be one byte")
	}
	back, n, err := ReadInetAddress(b, 0)
	if err != nil || n != 1 || !back.IsNil() {
		t.Fatalf("nil round trip: %v %d %v", back, n, err)
	}
}

func TestInetAddressUnknownFamilySkipped(t *testing.T) {
	b := common.NewBuffer(32)
	b.AppendByte(0x03) // reserved forward-compatible form
	b.AppendUint16(5)
	b.Append([]byte{1, 2, 3, 4, 5})
	b.AppendByte(0xee) // trailing data that must remain reachable

	back, n, err := ReadInetAddress(b, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !back.IsNil() {
		t.Fatalf("unknown family must read as nil")
	}
	if n != 8 {
		t.Fatalf("consumed %d, want 8", n)
	}
	if v, _ := b.ByteAt(n); v != 0xee {
		t.Fatalf("trailing data misaligned")
	}
}
