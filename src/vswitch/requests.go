package vswitch

import (
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
	"github.com/NAStools/zerotierone/src/version"
)

// HELLO payload: protocol version, software version, millisecond
// timestamp, full sender identity, the receiver's external address as
// the sender sees it, and the sender's world id + revision. HELLO is
// MAC'd but never encrypted so nodes can interoperate before agreeing
// on keys.

func (sw *Switch) buildHello(dest types.Address, destEndpoint types.InetAddress, now int64) *packet.Packet {
	p := packet.New(dest, sw.re.Identity.Address(), packet.VerbHello)
	p.AppendByte(version.Proto)
	p.AppendByte(version.Major)
	p.AppendByte(version.Minor)
	p.AppendUint16(version.Revision)
	p.AppendUint64(uint64(now))
	sw.re.Identity.AppendTo(p.Buffer, false)
	destEndpoint.AppendTo(p.Buffer)
	if w := sw.re.Topology.World(); w != nil {
		p.AppendUint64(w.ID)
		p.AppendUint64(w.Timestamp)
	} else {
		p.AppendUint64(0)
		p.AppendUint64(0)
	}
	return p
}

// SendHello sends a HELLO directly to a specific physical endpoint,
// bypassing best-path selection; this is how new and hinted paths get
// probed.
func (sw *Switch) SendHello(peer *peers.Peer, local, remote types.InetAddress, now int64) bool {
	p := sw.buildHello(peer.Address(), remote, now)
	p.Armor(peer.Key(), false)
	peer.ExpectReplyTo(p.PacketID(), byte(packet.VerbHello), now)
	peer.HelloSent(now)
	if !sw.re.WireSend(local, remote, p.Bytes(), defaultWireSendTTL) {
		return false
	}
	if path := peer.AddPath(local, remote); path != nil {
		path.Sent(now)
	}
	return true
}

func (sw *Switch) sendRendezvous(to *peers.Peer, other types.Address, endpoint types.InetAddress, now int64) {
	p := packet.New(to.Address(), sw.re.Identity.Address(), packet.VerbRendezvous)
	p.AppendByte(0) // flags
	other.AppendTo(p.Buffer)
	endpoint.AppendTo(p.Buffer)
	sw.SendPacket(p, true, now)
}

// SendConfigRequest asks a network's controller for its current
// config.
func (sw *Switch) SendConfigRequest(nw *network.Network, now int64) {
	p := packet.New(nw.Controller(), sw.re.Identity.Address(), packet.VerbNetworkConfigRequest)
	p.AppendUint64(nw.ID())
	p.AppendUint16(0) // no request metadata
	if ctrl := sw.re.Topology.GetPeer(nw.Controller()); ctrl != nil {
		ctrl.ExpectReplyTo(p.PacketID(), byte(packet.VerbNetworkConfigRequest), now)
	}
	nw.RecordConfigRequest(now)
	sw.SendPacket(p, true, now)
}

// SendMulticastLikes gossips a network's group subscriptions to a set
// of targets (roots and the network's controller).
func (sw *Switch) SendMulticastLikes(nwid uint64, groups []types.MulticastGroup, targets []types.Address, now int64) {
	if len(groups) == 0 {
		return
	}
	for _, target := range targets {
		if !target.Valid() || target == sw.re.Identity.Address() {
			continue
		}
		p := packet.New(target, sw.re.Identity.Address(), packet.VerbMulticastLike)
		for _, mg := range groups {
			p.AppendUint64(nwid)
			mg.MAC.AppendTo(p.Buffer)
			p.AppendUint32(mg.ADI)
		}
		sw.SendPacket(p, true, now)
	}
}

// SendEcho sends an ECHO probe used for keepalive and latency
// sampling.
func (sw *Switch) SendEcho(peer *peers.Peer, now int64) {
	p := packet.New(peer.Address(), sw.re.Identity.Address(), packet.VerbEcho)
	peer.ExpectReplyTo(p.PacketID(), byte(packet.VerbEcho), now)
	sw.SendPacket(p, true, now)
}

// ScheduleContact starts the rendezvous probe sequence toward a hinted
// endpoint.
func (sw *Switch) ScheduleContact(peer types.Address, endpoint types.InetAddress, now int64) {
	sw.contacts.Add(peer, endpoint, now)
}

func (sw *Switch) sendOK(to *peers.Peer, inReVerb packet.Verb, inRePacketID uint64, build func(p *packet.Packet) error, now int64) {
	p := packet.New(to.Address(), sw.re.Identity.Address(), packet.VerbOK)
	p.AppendByte(byte(inReVerb))
	p.AppendUint64(inRePacketID)
	if build != nil {
		if err := build(p); err != nil {
			return
		}
	}
	sw.SendPacket(p, true, now)
}

func (sw *Switch) sendError(to *peers.Peer, inReVerb packet.Verb, inRePacketID uint64, code packet.ErrorCode, extra []byte, now int64) {
	p := packet.New(to.Address(), sw.re.Identity.Address(), packet.VerbError)
	p.AppendByte(byte(inReVerb))
	p.AppendUint64(inRePacketID)
	p.AppendByte(byte(code))
	if extra != nil {
		p.Append(extra)
	}
	sw.SendPacket(p, true, now)
}
