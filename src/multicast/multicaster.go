package multicast

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/types"
)

// Limits and timing, milliseconds where applicable.
const (
	maxMembersPerGroup   = 8192
	memberExpiration     = 600000 // LIKE entries lapse after 10 minutes
	explicitGatherDelay  = 5000   // at most one explicit GATHER per group per 5s
	gatherReplyMaxOnWire = 0xffff
)

// Sender transmits an assembled packet toward its destination; the
// switch implements it. encrypt is always true for multicast traffic.
type Sender interface {
	SendPacket(p *packet.Packet, encrypt bool, now int64) bool
}

// FrameSpec describes one multicast Ethernet frame to propagate.
type FrameSpec struct {
	NetworkID uint64
	Group     types.MulticastGroup
	SourceMAC types.MAC
	EtherType uint16
	Payload   []byte

	// COM is attached for recipients that have not recently seen our
	// membership certificate; nil on public networks.
	COM *network.CertificateOfMembership
}

type member struct {
	address  types.Address
	learned  int64
}

type groupKey struct {
	nwid  uint64
	group types.MulticastGroup
}

type groupStatus struct {
	members            []member // LIFO: most recently learned last
	lastExplicitGather int64
	txQueue            []*OutboundMulticast
}

func (gs *groupStatus) indexOf(addr types.Address) int {
	for i := range gs.members {
		if gs.members[i].address == addr {
			return i
		}
	}
	return -1
}

// Multicaster tracks who else subscribes to each (network, group) pair
// and propagates outbound multicast frames to a bounded, deduplicated
// subset of them, topping up queued sends as new members are learned
// through LIKE gossip and GATHER replies.
type Multicaster struct {
	mu     sync.Mutex
	self   types.Address
	logger *logrus.Entry

	groups map[groupKey]*groupStatus

	sender Sender
	// gatherTargets names where explicit GATHER queries go: the best
	// root and, if different, the network's controller.
	gatherTargets func(nwid uint64) []types.Address
	// needsCOM reports whether a recipient needs our certificate
	// attached on the given network.
	needsCOM func(nwid uint64, to types.Address, now int64) bool
}

// NewMulticaster creates an empty multicaster.
func NewMulticaster(self types.Address, logger *logrus.Entry) *Multicaster {
	return &Multicaster{
		self:   self,
		logger: logger,
		groups: make(map[groupKey]*groupStatus),
	}
}

// Wire connects the multicaster to its collaborators. Called once by
// the node during construction, before any traffic flows.
func (m *Multicaster) Wire(sender Sender, gatherTargets func(nwid uint64) []types.Address, needsCOM func(nwid uint64, to types.Address, now int64) bool) {
	m.sender = sender
	m.gatherTargets = gatherTargets
	m.needsCOM = needsCOM
}

// Add learns that a member subscribes to a group, from LIKE gossip or
// a GATHER reply. Existing members are refreshed and moved to the
// recent end. Queued sends for the group are topped up immediately.
func (m *Multicaster) Add(nwid uint64, mg types.MulticastGroup, addr types.Address, now int64) {
	m.AddMultiple(nwid, mg, []types.Address{addr}, now)
}

// addLocked updates the member list and returns frame packets for any
// queued jobs this member still needs; the caller transmits them
// after releasing the lock.
func (m *Multicaster) addLocked(nwid uint64, mg types.MulticastGroup, addr types.Address, now int64) []*packet.Packet {
	key := groupKey{nwid, mg}
	gs := m.groups[key]
	if gs == nil {
		gs = &groupStatus{}
		m.groups[key] = gs
	}

	if i := gs.indexOf(addr); i >= 0 {
		gs.members[i].learned = now
		// Move to the recent end.
		mem := gs.members[i]
		gs.members = append(append(gs.members[:i], gs.members[i+1:]...), mem)
	} else {
		if len(gs.members) >= maxMembersPerGroup {
			gs.members = gs.members[1:]
		}
		gs.members = append(gs.members, member{addr, now})
	}

	// Top up queued sends that still have budget.
	var out []*packet.Packet
	for _, om := range gs.txQueue {
		if !om.Expired(now) {
			if p := om.PrepareIfNew(m.self, addr, m.needsCOM(nwid, addr, now)); p != nil {
				out = append(out, p)
			}
		}
	}
	return out
}

// AddMultiple learns a batch of members from a GATHER reply.
func (m *Multicaster) AddMultiple(nwid uint64, mg types.MulticastGroup, addrs []types.Address, now int64) {
	var pending []*packet.Packet
	m.mu.Lock()
	for _, a := range addrs {
		if a != m.self && a.Valid() {
			pending = append(pending, m.addLocked(nwid, mg, a, now)...)
		}
	}
	m.mu.Unlock()

	// Transmit with no lock held: a synchronous transport may loop
	// replies straight back into this multicaster.
	for _, p := range pending {
		m.sender.SendPacket(p, true, now)
	}
}

// Remove forgets a member, e.g. on an explicit unsubscribe gossip.
func (m *Multicaster) Remove(nwid uint64, mg types.MulticastGroup, addr types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := m.groups[groupKey{nwid, mg}]
	if gs == nil {
		return
	}
	if i := gs.indexOf(addr); i >= 0 {
		gs.members = append(gs.members[:i], gs.members[i+1:]...)
	}
}

// Members returns up to limit known members, most recently learned
// first.
func (m *Multicaster) Members(nwid uint64, mg types.MulticastGroup, limit int) []types.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := m.groups[groupKey{nwid, mg}]
	if gs == nil {
		return nil
	}
	var out []types.Address
	for i := len(gs.members) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, gs.members[i].address)
	}
	return out
}

// Gather appends a GATHER reply to a buffer: u32 total members known,
// u16 returned count, then 5-byte addresses. Members are returned from
// a random starting point so repeated queries see different subsets;
// the querying peer is never returned to itself. If the local node
// itself subscribes, it is included.
func (m *Multicaster) Gather(queryingPeer types.Address, nwid uint64, mg types.MulticastGroup, limit int, selfSubscribed bool, appendTo *common.Buffer) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	if limit > gatherReplyMaxOnWire {
		limit = gatherReplyMaxOnWire
	}

	totalAt, err := appendTo.Grow(4)
	if err != nil {
		return 0, err
	}
	addedAt, err := appendTo.Grow(2)
	if err != nil {
		return 0, err
	}

	total := 0
	added := 0

	if selfSubscribed {
		total++
		if added < limit && m.self != queryingPeer {
			if err := m.self.AppendTo(appendTo); err != nil {
				return added, err
			}
			added++
		}
	}

	m.mu.Lock()
	gs := m.groups[groupKey{nwid, mg}]
	if gs != nil && len(gs.members) > 0 {
		total += len(gs.members)
		picked := bitset.New(uint(len(gs.members)))
		start := int(crypto.RandomUint32()) % len(gs.members)
		for k := 0; k < len(gs.members) && added < limit; k++ {
			i := (start + k) % len(gs.members)
			if picked.Test(uint(i)) {
				continue
			}
			picked.Set(uint(i))
			a := gs.members[i].address
			if a == queryingPeer {
				continue
			}
			if err := a.AppendTo(appendTo); err != nil {
				break
			}
			added++
		}
	}
	m.mu.Unlock()

	appendTo.SetUint32At(totalAt, uint32(total))
	appendTo.SetUint16At(addedAt, uint16(added))
	return added, nil
}

// Send propagates a multicast frame to up to limit members of its
// group. alwaysSendTo (active bridges and similar) are delivered
// first. When fewer members than the limit are known, the frame is
// queued with a gather budget and an explicit GATHER is issued toward
// the uplinks, rate limited per group; late arrivals are topped up via
// Add until the job expires.
func (m *Multicaster) Send(spec FrameSpec, limit int, alwaysSendTo []types.Address, now int64) error {
	var pending []*packet.Packet

	m.mu.Lock()
	key := groupKey{spec.NetworkID, spec.Group}
	gs := m.groups[key]
	if gs == nil {
		gs = &groupStatus{}
		m.groups[key] = gs
	}

	perm := crypto.RandomPerm(len(gs.members))

	if len(gs.members) >= limit {
		// Enough members known: single-pass send, no queueing, but a
		// minimal gather budget keeps the member list fresh.
		om, err := newOutboundMulticast(spec, limit, 1, now)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		for _, ast := range alwaysSendTo {
			if p := om.PrepareIfNew(m.self, ast, m.needsCOM(spec.NetworkID, ast, now)); p != nil {
				pending = append(pending, p)
			}
		}
		for _, idx := range perm {
			if om.AtLimit() {
				break
			}
			a := gs.members[idx].address
			if p := om.PrepareIfNew(m.self, a, m.needsCOM(spec.NetworkID, a, now)); p != nil {
				pending = append(pending, p)
			}
		}
		m.mu.Unlock()
		for _, p := range pending {
			m.sender.SendPacket(p, true, now)
		}
		return nil
	}

	gatherBudget := (limit - len(gs.members)) + 1
	explicitGather := false
	if len(gs.members) == 0 || now-gs.lastExplicitGather >= explicitGatherDelay {
		gs.lastExplicitGather = now
		explicitGather = true
	}

	jobBudget := gatherBudget
	if explicitGather {
		jobBudget = 0
	}
	om, err := newOutboundMulticast(spec, limit, jobBudget, now)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	for _, ast := range alwaysSendTo {
		if p := om.PrepareIfNew(m.self, ast, m.needsCOM(spec.NetworkID, ast, now)); p != nil {
			pending = append(pending, p)
		}
	}
	for _, idx := range perm {
		if om.AtLimit() {
			break
		}
		a := gs.members[idx].address
		if p := om.PrepareIfNew(m.self, a, m.needsCOM(spec.NetworkID, a, now)); p != nil {
			pending = append(pending, p)
		}
	}

	gs.txQueue = append(gs.txQueue, om)
	m.mu.Unlock()

	for _, p := range pending {
		m.sender.SendPacket(p, true, now)
	}
	if explicitGather {
		m.sendExplicitGather(spec, gatherBudget, now)
	}
	return nil
}

// sendExplicitGather queries the uplinks for group members. Called
// with no lock held.
func (m *Multicaster) sendExplicitGather(spec FrameSpec, budget int, now int64) {
	if m.gatherTargets == nil {
		return
	}
	for _, target := range m.gatherTargets(spec.NetworkID) {
		if !target.Valid() || target == m.self {
			continue
		}
		p := packet.New(target, m.self, packet.VerbMulticastGather)
		p.AppendUint64(spec.NetworkID)
		withCOM := spec.COM != nil && m.needsCOM(spec.NetworkID, target, now)
		if withCOM {
			p.AppendByte(0x01)
			spec.COM.AppendTo(p.Buffer)
		} else {
			p.AppendByte(0x00)
		}
		spec.Group.MAC.AppendTo(p.Buffer)
		p.AppendUint32(spec.Group.ADI)
		p.AppendUint32(uint32(budget))
		m.sender.SendPacket(p, true, now)
	}
}

// Clean expires stale members and finished or aged-out send jobs.
func (m *Multicaster) Clean(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, gs := range m.groups {
		kept := gs.members[:0]
		for _, mem := range gs.members {
			if now-mem.learned < memberExpiration {
				kept = append(kept, mem)
			}
		}
		gs.members = kept

		keptQ := gs.txQueue[:0]
		for _, om := range gs.txQueue {
			if !om.Expired(now) && !om.AtLimit() {
				keptQ = append(keptQ, om)
			}
		}
		gs.txQueue = keptQ

		if len(gs.members) == 0 && len(gs.txQueue) == 0 {
			delete(m.groups, key)
		}
	}
}

// GroupCount returns the number of tracked (network, group) records.
func (m *Multicaster) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
