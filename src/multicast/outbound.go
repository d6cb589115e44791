package multicast

import (
	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/types"
)

// MULTICAST_FRAME payload flags.
const (
	FrameFlagCOM    = 0x01 // membership certificate attached
	FrameFlagGather = 0x02 // implicit gather request with budget
)

// outboundTTL is how long a queued multicast job stays eligible for
// top-up deliveries as new members are learned, in milliseconds.
const outboundTTL = 60000

// OutboundMulticast is one queued multicast send: the canonical frame
// payload rendered once in both variants (with and without our
// membership certificate) plus the log of addresses already delivered
// to, so top-ups from late GATHER results never duplicate.
type OutboundMulticast struct {
	nwid      uint64
	createdAt int64
	limit     int

	payloadPlain []byte
	payloadCOM   []byte

	sentTo map[types.Address]bool
}

func buildFramePayload(spec FrameSpec, com *network.CertificateOfMembership, gatherBudget int) ([]byte, error) {
	b := common.NewBuffer(packet.MaxLength)
	b.AppendUint64(spec.NetworkID)

	var flags byte
	if com != nil {
		flags |= FrameFlagCOM
	}
	if gatherBudget > 0 {
		flags |= FrameFlagGather
	}
	if err := b.AppendByte(flags); err != nil {
		return nil, err
	}
	if com != nil {
		if err := com.AppendTo(b); err != nil {
			return nil, err
		}
	}
	if gatherBudget > 0 {
		if err := b.AppendUint32(uint32(gatherBudget)); err != nil {
			return nil, err
		}
	}
	spec.SourceMAC.AppendTo(b)
	spec.Group.MAC.AppendTo(b)
	b.AppendUint32(spec.Group.ADI)
	if err := b.AppendUint16(spec.EtherType); err != nil {
		return nil, err
	}
	if err := b.Append(spec.Payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func newOutboundMulticast(spec FrameSpec, limit, gatherBudget int, now int64) (*OutboundMulticast, error) {
	plain, err := buildFramePayload(spec, nil, gatherBudget)
	if err != nil {
		return nil, err
	}
	om := &OutboundMulticast{
		nwid:         spec.NetworkID,
		createdAt:    now,
		limit:        limit,
		payloadPlain: plain,
		sentTo:       make(map[types.Address]bool),
	}
	if spec.COM != nil {
		withCOM, err := buildFramePayload(spec, spec.COM, gatherBudget)
		if err != nil {
			return nil, err
		}
		om.payloadCOM = withCOM
	}
	return om, nil
}

// Expired reports whether the job has aged out of its top-up window.
func (om *OutboundMulticast) Expired(now int64) bool {
	return now-om.createdAt > outboundTTL
}

// SentCount returns how many distinct addresses received this frame.
func (om *OutboundMulticast) SentCount() int { return len(om.sentTo) }

// AtLimit reports whether the delivery budget is spent.
func (om *OutboundMulticast) AtLimit() bool { return len(om.sentTo) >= om.limit }

func (om *OutboundMulticast) packetFor(self, to types.Address, withCOM bool) *packet.Packet {
	p := packet.New(to, self, packet.VerbMulticastFrame)
	if withCOM && om.payloadCOM != nil {
		p.Append(om.payloadCOM)
	} else {
		p.Append(om.payloadPlain)
	}
	return p
}

// PrepareIfNew builds the frame packet for an address unless it
// already got a copy or the limit is spent, recording the delivery in
// the dedup log. The caller transmits the returned packet with no
// multicaster lock held: a synchronous transport may loop a gather
// reply straight back into the multicaster.
func (om *OutboundMulticast) PrepareIfNew(self, to types.Address, withCOM bool) *packet.Packet {
	if to == self || om.sentTo[to] || om.AtLimit() {
		return nil
	}
	om.sentTo[to] = true
	return om.packetFor(self, to, withCOM)
}
