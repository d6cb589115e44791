package multicast

import (
	"testing"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/types"
)

const testNwid = uint64(0x8056c2e21c000001)

var (
	testSelf  = types.Address(0x1111111111)
	testGroup = types.MulticastGroup{MAC: 0xffffffffffff, ADI: 0x0a900005}
)

type capturingSender struct {
	packets []*packet.Packet
}

func (c *capturingSender) SendPacket(p *packet.Packet, encrypt bool, now int64) bool {
	c.packets = append(c.packets, p)
	return true
}

func (c *capturingSender) destinations() map[types.Address]int {
	out := make(map[types.Address]int)
	for _, p := range c.packets {
		out[p.Destination()]++
	}
	return out
}

func (c *capturingSender) byVerb(v packet.Verb) []*packet.Packet {
	var out []*packet.Packet
	for _, p := range c.packets {
		if p.Verb() == v {
			out = append(out, p)
		}
	}
	return out
}

func newTestMulticaster(t *testing.T, sender Sender) *Multicaster {
	t.Helper()
	m := NewMulticaster(testSelf, common.NewTestEntry(t, "multicast"))
	m.Wire(sender,
		func(nwid uint64) []types.Address { return []types.Address{types.Address(0x7777777777)} },
		func(nwid uint64, to types.Address, now int64) bool { return false },
	)
	return m
}

func testSpec() FrameSpec {
	return FrameSpec{
		NetworkID: testNwid,
		Group:     testGroup,
		SourceMAC: types.NewMACFromAddress(testSelf, testNwid),
		EtherType: 0x0800,
		Payload:   []byte("multicast frame payload"),
	}
}

func addMembers(m *Multicaster, base uint64, n int, now int64) []types.Address {
	var out []types.Address
	for i := 0; i < n; i++ {
		a := types.Address(base + uint64(i))
		m.Add(testNwid, testGroup, a, now)
		out = append(out, a)
	}
	return out
}

func TestSendDedupAndLimit(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)

	members := addMembers(m, 0x2000000000, 50, 1000000)
	_ = members

	limit := 32
	if err := m.Send(testSpec(), limit, nil, 1002000); err != nil {
		t.Fatalf("send: %v", err)
	}

	frames := s.byVerb(packet.VerbMulticastFrame)
	if len(frames) != limit {
		t.Fatalf("delivered %d, want %d", len(frames), limit)
	}
	for dest, count := range s.destinations() {
		if count > 1 {
			t.Fatalf("duplicate delivery to %v", dest)
		}
		if dest == testSelf {
			t.Fatalf("delivered to self")
		}
	}
}

func TestSendAlwaysSendToFirst(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)
	addMembers(m, 0x2000000000, 40, 1000000)

	bridge := types.Address(0x3333333333)
	if err := m.Send(testSpec(), 8, []types.Address{bridge, testSelf}, 1002000); err != nil {
		t.Fatalf("send: %v", err)
	}

	frames := s.byVerb(packet.VerbMulticastFrame)
	if len(frames) == 0 || frames[0].Destination() != bridge {
		t.Fatalf("alwaysSendTo not delivered first")
	}
	if len(frames) != 8 {
		t.Fatalf("limit not honoured: %d", len(frames))
	}
	for _, p := range frames {
		if p.Destination() == testSelf {
			t.Fatalf("delivered to self via alwaysSendTo")
		}
	}
}

func TestSendUnderLimitGathersAndQueues(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)
	addMembers(m, 0x2000000000, 5, 1000000)

	if err := m.Send(testSpec(), 32, nil, 1002000); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := len(s.byVerb(packet.VerbMulticastFrame)); got != 5 {
		t.Fatalf("direct deliveries: %d, want 5", got)
	}

	gathers := s.byVerb(packet.VerbMulticastGather)
	if len(gathers) != 1 {
		t.Fatalf("gathers: %d, want 1", len(gathers))
	}
	g := gathers[0]
	if g.Destination() != types.Address(0x7777777777) {
		t.Fatalf("gather target: %v", g.Destination())
	}
	// Payload: nwid u64, flags u8, MAC 6, ADI u32, budget u32.
	payload := g.Payload()
	b, _ := common.NewBufferFrom(payload, len(payload))
	nwid, _ := b.Uint64At(0)
	if nwid != testNwid {
		t.Fatalf("gather nwid: %x", nwid)
	}
	budget, _ := b.Uint32At(8 + 1 + 6 + 4)
	if budget != 32-5+1 {
		t.Fatalf("gather budget: %d", budget)
	}

	// New members learned later top up the queued job, without
	// duplicates, up to the limit.
	before := len(s.byVerb(packet.VerbMulticastFrame))
	late := addMembers(m, 0x4000000000, 40, 1003000)
	frames := s.byVerb(packet.VerbMulticastFrame)
	if len(frames) != 32 {
		t.Fatalf("topped-up deliveries: %d, want 32", len(frames))
	}
	if len(frames) <= before {
		t.Fatalf("no top-up happened")
	}
	for dest, count := range s.destinations() {
		if dest != types.Address(0x7777777777) && count > 1 {
			t.Fatalf("duplicate delivery to %v", dest)
		}
	}
	_ = late

	// Re-learning the same members must not deliver again.
	addMembers(m, 0x4000000000, 40, 1004000)
	if got := len(s.byVerb(packet.VerbMulticastFrame)); got != 32 {
		t.Fatalf("deliveries after relearn: %d", got)
	}
}

func TestExplicitGatherRateLimited(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)
	addMembers(m, 0x2000000000, 2, 1000000)

	m.Send(testSpec(), 32, nil, 1002000)
	m.Send(testSpec(), 32, nil, 1002500) // within 5s: no second gather
	if got := len(s.byVerb(packet.VerbMulticastGather)); got != 1 {
		t.Fatalf("gathers: %d, want 1", got)
	}

	m.Send(testSpec(), 32, nil, 1002000+explicitGatherDelay+1)
	if got := len(s.byVerb(packet.VerbMulticastGather)); got != 2 {
		t.Fatalf("gathers after delay: %d, want 2", got)
	}
}

func TestGatherReply(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)
	members := addMembers(m, 0x2000000000, 100, 1000000)

	querier := members[7]
	b := common.NewBuffer(packet.MaxLength)
	added, err := m.Gather(querier, testNwid, testGroup, 28, true, b)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if added != 28 {
		t.Fatalf("added: %d, want 28", added)
	}

	total, _ := b.Uint32At(0)
	if total != 101 { // 100 members + self
		t.Fatalf("total: %d", total)
	}
	count, _ := b.Uint16At(4)
	if int(count) != added {
		t.Fatalf("count field: %d != %d", count, added)
	}

	seen := make(map[types.Address]bool)
	for i := 0; i < added; i++ {
		f, err := b.Field(6+i*types.AddressLength, types.AddressLength)
		if err != nil {
			t.Fatalf("reply truncated: %v", err)
		}
		a, _ := types.NewAddressFromBytes(f)
		if a == querier {
			t.Fatalf("gather returned the querier to itself")
		}
		if seen[a] {
			t.Fatalf("duplicate member in gather reply")
		}
		seen[a] = true
	}
}

func TestClean(t *testing.T) {
	s := &capturingSender{}
	m := newTestMulticaster(t, s)
	addMembers(m, 0x2000000000, 10, 1000000)

	if m.GroupCount() != 1 {
		t.Fatalf("groups: %d", m.GroupCount())
	}

	// Members expire after the LIKE window; empty groups are dropped.
	m.Clean(1000000 + memberExpiration + 1)
	if m.GroupCount() != 0 {
		t.Fatalf("expired group retained")
	}
}
