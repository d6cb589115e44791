package vswitch

import (
	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/multicast"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
	"github.com/NAStools/zerotierone/src/version"
)

// Verb dispatch is a static table. Unknown verbs are dropped silently
// for forward compatibility.
var verbHandlers map[packet.Verb]func(sw *Switch, peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64)

func init() {
	verbHandlers = map[packet.Verb]func(sw *Switch, peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64){
		packet.VerbNop:                  nil,
		packet.VerbHello:                (*Switch).doHello,
		packet.VerbOK:                   (*Switch).doOK,
		packet.VerbError:                (*Switch).doError,
		packet.VerbWhois:                (*Switch).doWhois,
		packet.VerbRendezvous:           (*Switch).doRendezvous,
		packet.VerbFrame:                (*Switch).doFrame,
		packet.VerbExtFrame:             (*Switch).doExtFrame,
		packet.VerbEcho:                 (*Switch).doEcho,
		packet.VerbMulticastLike:        (*Switch).doMulticastLike,
		packet.VerbNetworkConfigRequest: (*Switch).doNetworkConfigRequest,
		packet.VerbNetworkConfigRefresh: (*Switch).doNetworkConfigRefresh,
		packet.VerbMulticastGather:      (*Switch).doMulticastGather,
		packet.VerbMulticastFrame:       (*Switch).doMulticastFrame,
		packet.VerbCircuitTest:          (*Switch).doCircuitTest,
		packet.VerbCircuitTestReport:    nil,
	}
}

func (sw *Switch) dispatch(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	h, known := verbHandlers[p.Verb()]
	if !known || h == nil {
		return
	}
	h(sw, peer, p, local, remote, now)
}

// helloDetails is the parsed body of a HELLO.
type helloDetails struct {
	proto, major, minor int
	revision            int
	timestamp           uint64
	identity            *identity.Identity
	externalAddr        types.InetAddress
	worldID             uint64
	worldTimestamp      uint64
}

func parseHello(p *packet.Packet) (*helloDetails, error) {
	at := packet.IdxPayload
	b := p.Buffer

	h := &helloDetails{}
	proto, err := b.ByteAt(at)
	if err != nil {
		return nil, err
	}
	h.proto = int(proto)
	major, _ := b.ByteAt(at + 1)
	minor, _ := b.ByteAt(at + 2)
	rev, err := b.Uint16At(at + 3)
	if err != nil {
		return nil, err
	}
	h.major, h.minor, h.revision = int(major), int(minor), int(rev)
	h.timestamp, err = b.Uint64At(at + 5)
	if err != nil {
		return nil, err
	}
	at += 13

	id, n, err := identity.ReadIdentity(b, at)
	if err != nil {
		return nil, err
	}
	h.identity = id
	at += n

	ext, n, err := types.ReadInetAddress(b, at)
	if err != nil {
		return nil, err
	}
	h.externalAddr = ext
	at += n

	// World information is optional in truncated HELLOs from older
	// versions.
	if id, err := b.Uint64At(at); err == nil {
		h.worldID = id
		if ts, err := b.Uint64At(at + 8); err == nil {
			h.worldTimestamp = ts
		}
	}
	return h, nil
}

// handleHelloFromStranger authenticates a HELLO from an unknown
// sender: the identity rides in the payload, so validate it, derive
// the session key, and only then check the MAC.
func (sw *Switch) handleHelloFromStranger(p *packet.Packet, local, remote types.InetAddress, now int64) {
	h, err := parseHello(p)
	if err != nil {
		return
	}
	if h.identity.Address() != p.Source() || !h.identity.Address().Valid() {
		return
	}
	if !h.identity.LocallyValidate() {
		sw.logger.WithField("source", p.Source()).Warn("HELLO identity failed validation")
		return
	}

	peer, err := sw.re.Topology.AddVerifiedIdentity(h.identity, now)
	if err != nil {
		sw.logger.WithField("source", p.Source()).Warn("HELLO identity collides with existing peer")
		return
	}
	if err := p.Dearmor(peer.Key()); err != nil {
		return
	}
	if !peer.MarkPacketReceived(p.PacketID()) {
		return
	}

	peer.Received(local, remote, p.Hops(), now)
	sw.finishHello(peer, p, h, remote, now)
	sw.identityLearned(peer, now)
}

func (sw *Switch) doHello(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	h, err := parseHello(p)
	if err != nil {
		return
	}
	if !h.identity.Equals(peer.Identity()) {
		sw.logger.WithField("source", p.Source()).Warn("HELLO identity mismatch for known peer")
		return
	}
	sw.finishHello(peer, p, h, remote, now)
}

func (sw *Switch) finishHello(peer *peers.Peer, p *packet.Packet, h *helloDetails, remote types.InetAddress, now int64) {
	peer.SetRemoteVersion(h.proto, h.major, h.minor, h.revision)

	sw.sendOK(peer, packet.VerbHello, p.PacketID(), func(ok *packet.Packet) error {
		ok.AppendUint64(h.timestamp)
		ok.AppendByte(version.Proto)
		ok.AppendByte(version.Major)
		ok.AppendByte(version.Minor)
		ok.AppendUint16(version.Revision)
		return remote.AppendTo(ok.Buffer)
	}, now)
}

func (sw *Switch) doOK(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	inReVerb, err := p.ByteAt(at)
	if err != nil {
		return
	}
	inRePacketID, err := p.Uint64At(at + 1)
	if err != nil {
		return
	}
	expected, _ := peer.ReceivedReplyTo(inRePacketID, now)
	if !expected {
		return
	}
	at += 9

	switch packet.Verb(inReVerb) {
	case packet.VerbHello:
		// Timestamp echo already fed the latency estimate; record the
		// peer's announced version.
		if _, err := p.Uint64At(at); err != nil {
			return
		}
		proto, _ := p.ByteAt(at + 8)
		major, _ := p.ByteAt(at + 9)
		minor, _ := p.ByteAt(at + 10)
		rev, err := p.Uint16At(at + 11)
		if err == nil {
			peer.SetRemoteVersion(int(proto), int(major), int(minor), int(rev))
		}

	case packet.VerbWhois:
		id, _, err := identity.ReadIdentity(p.Buffer, at)
		if err != nil || !id.Address().Valid() {
			return
		}
		if !id.LocallyValidate() {
			return
		}
		learned, err := sw.re.Topology.AddVerifiedIdentity(id, now)
		if err != nil {
			return
		}
		sw.identityLearned(learned, now)

	case packet.VerbNetworkConfigRequest:
		nwid, err := p.Uint64At(at)
		if err != nil {
			return
		}
		dictLen, err := p.Uint16At(at + 8)
		if err != nil {
			return
		}
		raw, err := p.Field(at+10, int(dictLen))
		if err != nil {
			return
		}
		sw.acceptNetworkConfig(peer, nwid, raw, now)

	case packet.VerbMulticastGather, packet.VerbMulticastFrame:
		sw.absorbGatherResults(p, at, now)
	}
}

func (sw *Switch) acceptNetworkConfig(peer *peers.Peer, nwid uint64, raw []byte, now int64) {
	nw := sw.re.GetNetwork(nwid)
	if nw == nil || peer.Address() != nw.Controller() {
		return
	}
	d, err := common.NewDictionaryFrom(raw, network.ConfigDictionaryCapacity)
	if err != nil {
		return
	}
	updated, err := nw.AcceptConfig(d, peer.Identity(), sw.re.Identity.Address(), now)
	if err != nil {
		sw.logger.WithError(err).WithField("nwid", nwid).Warn("network config rejected")
		return
	}
	if updated && sw.re.ConfigUpdated != nil {
		sw.re.ConfigUpdated(nwid, now)
	}
}

// absorbGatherResults parses "nwid, MAC, ADI, [flags,] u32 total, u16
// count, addresses" and feeds the member list.
func (sw *Switch) absorbGatherResults(p *packet.Packet, at int, now int64) {
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}
	macRaw, err := p.Field(at+8, types.MACLength)
	if err != nil {
		return
	}
	mac, _ := types.NewMACFromBytes(macRaw)
	adi, err := p.Uint32At(at + 14)
	if err != nil {
		return
	}
	at += 18

	// MULTICAST_FRAME replies carry a flags byte before the results.
	if flags, err := p.ByteAt(at); err == nil && flags == multicast.FrameFlagGather {
		at++
	}

	if _, err := p.Uint32At(at); err != nil {
		return
	}
	count, err := p.Uint16At(at + 4)
	if err != nil {
		return
	}
	at += 6

	mg := types.MulticastGroup{MAC: mac, ADI: adi}
	var addrs []types.Address
	for i := 0; i < int(count); i++ {
		f, err := p.Field(at, types.AddressLength)
		if err != nil {
			break
		}
		if a, err := types.NewAddressFromBytes(f); err == nil {
			addrs = append(addrs, a)
		}
		at += types.AddressLength
	}
	sw.re.Multicaster.AddMultiple(nwid, mg, addrs, now)
}

func (sw *Switch) doError(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	inReVerb, err := p.ByteAt(at)
	if err != nil {
		return
	}
	inRePacketID, err := p.Uint64At(at + 1)
	if err != nil {
		return
	}
	code, err := p.ByteAt(at + 9)
	if err != nil {
		return
	}
	peer.ReceivedReplyTo(inRePacketID, now)

	if packet.Verb(inReVerb) == packet.VerbNetworkConfigRequest {
		nwid, err := p.Uint64At(at + 10)
		if err != nil {
			return
		}
		nw := sw.re.GetNetwork(nwid)
		if nw == nil || peer.Address() != nw.Controller() {
			return
		}
		switch packet.ErrorCode(code) {
		case packet.ErrorNetworkAccessDenied:
			nw.SetStatus(network.StatusAccessDenied)
		case packet.ErrorObjectNotFound:
			nw.SetStatus(network.StatusNotFound)
		case packet.ErrorBadProtocolVersion:
			nw.SetStatus(network.StatusClientTooOld)
		}
	}
}

func (sw *Switch) doWhois(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	for {
		f, err := p.Field(at, types.AddressLength)
		if err != nil {
			return
		}
		at += types.AddressLength

		addr, err := types.NewAddressFromBytes(f)
		if err != nil {
			continue
		}
		if queried := sw.re.Topology.GetPeer(addr); queried != nil {
			qid := queried.Identity()
			sw.sendOK(peer, packet.VerbWhois, p.PacketID(), func(ok *packet.Packet) error {
				return qid.AppendTo(ok.Buffer, false)
			}, now)
		} else {
			sw.sendError(peer, packet.VerbWhois, p.PacketID(), packet.ErrorObjectNotFound, addr.Bytes(), now)
		}
	}
}

func (sw *Switch) doRendezvous(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	// Only relays we already trust to carry our traffic may redirect
	// our probes.
	if !sw.re.Topology.IsRoot(peer.Address()) {
		return
	}

	at := packet.IdxPayload
	if _, err := p.ByteAt(at); err != nil { // flags, unused
		return
	}
	f, err := p.Field(at+1, types.AddressLength)
	if err != nil {
		return
	}
	other, err := types.NewAddressFromBytes(f)
	if err != nil || !other.Valid() || other == sw.re.Identity.Address() {
		return
	}
	endpoint, _, err := types.ReadInetAddress(p.Buffer, at+1+types.AddressLength)
	if err != nil || endpoint.IsNil() {
		return
	}
	if sw.re.Topology.GetPeer(other) == nil {
		// We can not armor probes without the identity; resolve first.
		sw.requestWhois(other, now)
	}
	sw.ScheduleContact(other, endpoint, now)
	sw.DrainContacts(now)
}

func (sw *Switch) doFrame(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}
	etherType, err := p.Uint16At(at + 8)
	if err != nil {
		return
	}
	frame, err := p.Field(at+10, p.Len()-(at+10))
	if err != nil {
		return
	}

	nw := sw.re.GetNetwork(nwid)
	if nw == nil {
		sw.sendError(peer, packet.VerbFrame, p.PacketID(), packet.ErrorNetworkAccessDenied, nil, now)
		return
	}
	if !sw.gateFrame(nw, peer, packet.VerbFrame, p.PacketID(), now) {
		return
	}
	if nw.FilterFrame(network.FrameInfo{EtherType: etherType}) != network.ActionAccept {
		return
	}

	src := types.NewMACFromAddress(peer.Address(), nwid)
	dest := types.NewMACFromAddress(sw.re.Identity.Address(), nwid)
	peer.ReceivedUnicastFrame(now)
	sw.re.DeliverFrame(nwid, src, dest, etherType, 0, frame)
}

func (sw *Switch) doExtFrame(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}
	flags, err := p.ByteAt(at + 8)
	if err != nil {
		return
	}
	at += 9

	nw := sw.re.GetNetwork(nwid)

	if flags&multicast.FrameFlagCOM != 0 {
		com, n, err := network.ReadCertificate(p.Buffer, at)
		if err != nil {
			return
		}
		at += n
		if nw != nil {
			nw.AddCredential(com, sw.controllerIdentity(nw), now)
		}
	}

	if nw == nil {
		sw.sendError(peer, packet.VerbExtFrame, p.PacketID(), packet.ErrorNetworkAccessDenied, nil, now)
		return
	}
	if !sw.gateFrame(nw, peer, packet.VerbExtFrame, p.PacketID(), now) {
		return
	}

	destRaw, err := p.Field(at, types.MACLength)
	if err != nil {
		return
	}
	destMAC, _ := types.NewMACFromBytes(destRaw)
	srcRaw, err := p.Field(at+6, types.MACLength)
	if err != nil {
		return
	}
	srcMAC, _ := types.NewMACFromBytes(srcRaw)
	etherType, err := p.Uint16At(at + 12)
	if err != nil {
		return
	}
	frame, err := p.Field(at+14, p.Len()-(at+14))
	if err != nil {
		return
	}

	if nw.FilterFrame(network.FrameInfo{EtherType: etherType, SourceMAC: srcMAC, DestMAC: destMAC}) != network.ActionAccept {
		return
	}

	peer.ReceivedUnicastFrame(now)
	sw.re.DeliverFrame(nwid, srcMAC, destMAC, etherType, 0, frame)
}

// gateFrame enforces the membership certificate rule for one inbound
// frame, asking the sender for its certificate when that is what is
// missing.
func (sw *Switch) gateFrame(nw *network.Network, peer *peers.Peer, verb packet.Verb, packetID uint64, now int64) bool {
	if nw.MayCommunicateWith(peer.Address()) {
		return true
	}
	sw.sendError(peer, verb, packetID, packet.ErrorNeedMembershipCert, nil, now)
	return false
}

func (sw *Switch) controllerIdentity(nw *network.Network) *identity.Identity {
	if ctrl := sw.re.Topology.GetPeer(nw.Controller()); ctrl != nil {
		return ctrl.Identity()
	}
	return nil
}

func (sw *Switch) doEcho(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	echo := append([]byte(nil), p.Payload()...)
	sw.sendOK(peer, packet.VerbEcho, p.PacketID(), func(ok *packet.Packet) error {
		return ok.Append(echo)
	}, now)
}

func (sw *Switch) doMulticastLike(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	for {
		nwid, err := p.Uint64At(at)
		if err != nil {
			return
		}
		macRaw, err := p.Field(at+8, types.MACLength)
		if err != nil {
			return
		}
		adi, err := p.Uint32At(at + 14)
		if err != nil {
			return
		}
		at += 18

		// Subscriptions are only tracked for networks this node has
		// joined, bounding gossip amplification.
		if nw := sw.re.GetNetwork(nwid); nw != nil {
			mac, _ := types.NewMACFromBytes(macRaw)
			sw.re.Multicaster.Add(nwid, types.MulticastGroup{MAC: mac, ADI: adi}, peer.Address(), now)
		}
	}
}

func (sw *Switch) doNetworkConfigRequest(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}

	if sw.re.HandleConfigRequest == nil {
		sw.sendError(peer, packet.VerbNetworkConfigRequest, p.PacketID(), packet.ErrorUnsupportedOperation, nwidBytes(nwid), now)
		return
	}

	dict, status := sw.re.HandleConfigRequest(peer.Address(), nwid, now)
	if dict == nil {
		code := packet.ErrorObjectNotFound
		if status == network.StatusAccessDenied {
			code = packet.ErrorNetworkAccessDenied
		}
		sw.sendError(peer, packet.VerbNetworkConfigRequest, p.PacketID(), code, nwidBytes(nwid), now)
		return
	}

	sw.sendOK(peer, packet.VerbNetworkConfigRequest, p.PacketID(), func(ok *packet.Packet) error {
		ok.AppendUint64(nwid)
		if err := ok.AppendUint16(uint16(len(dict))); err != nil {
			return err
		}
		return ok.Append(dict)
	}, now)
}

func (sw *Switch) doNetworkConfigRefresh(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	for {
		nwid, err := p.Uint64At(at)
		if err != nil {
			return
		}
		at += 8
		nw := sw.re.GetNetwork(nwid)
		// Only the network's controller may force a refresh.
		if nw != nil && peer.Address() == nw.Controller() {
			sw.SendConfigRequest(nw, now)
		}
	}
}

func (sw *Switch) doMulticastGather(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}
	flags, err := p.ByteAt(at + 8)
	if err != nil {
		return
	}
	at += 9

	nw := sw.re.GetNetwork(nwid)
	if flags&multicast.FrameFlagCOM != 0 {
		com, n, err := network.ReadCertificate(p.Buffer, at)
		if err != nil {
			return
		}
		at += n
		if nw != nil {
			nw.AddCredential(com, sw.controllerIdentity(nw), now)
		}
	}

	macRaw, err := p.Field(at, types.MACLength)
	if err != nil {
		return
	}
	mac, _ := types.NewMACFromBytes(macRaw)
	adi, err := p.Uint32At(at + 6)
	if err != nil {
		return
	}
	limit, err := p.Uint32At(at + 10)
	if err != nil {
		return
	}
	mg := types.MulticastGroup{MAC: mac, ADI: adi}

	selfSubscribed := nw != nil && nw.SubscribedTo(mg)
	sw.sendOK(peer, packet.VerbMulticastGather, p.PacketID(), func(ok *packet.Packet) error {
		ok.AppendUint64(nwid)
		mg.MAC.AppendTo(ok.Buffer)
		ok.AppendUint32(mg.ADI)
		_, err := sw.re.Multicaster.Gather(peer.Address(), nwid, mg, int(limit), selfSubscribed, ok.Buffer)
		return err
	}, now)
}

func (sw *Switch) doMulticastFrame(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	nwid, err := p.Uint64At(at)
	if err != nil {
		return
	}
	flags, err := p.ByteAt(at + 8)
	if err != nil {
		return
	}
	at += 9

	nw := sw.re.GetNetwork(nwid)

	if flags&multicast.FrameFlagCOM != 0 {
		com, n, err := network.ReadCertificate(p.Buffer, at)
		if err != nil {
			return
		}
		at += n
		if nw != nil {
			nw.AddCredential(com, sw.controllerIdentity(nw), now)
		}
	}

	gatherBudget := 0
	if flags&multicast.FrameFlagGather != 0 {
		budget, err := p.Uint32At(at)
		if err != nil {
			return
		}
		gatherBudget = int(budget)
		at += 4
	}

	if nw == nil {
		return
	}
	if !sw.gateFrame(nw, peer, packet.VerbMulticastFrame, p.PacketID(), now) {
		return
	}

	srcRaw, err := p.Field(at, types.MACLength)
	if err != nil {
		return
	}
	srcMAC, _ := types.NewMACFromBytes(srcRaw)
	groupRaw, err := p.Field(at+6, types.MACLength)
	if err != nil {
		return
	}
	groupMAC, _ := types.NewMACFromBytes(groupRaw)
	adi, err := p.Uint32At(at + 12)
	if err != nil {
		return
	}
	etherType, err := p.Uint16At(at + 16)
	if err != nil {
		return
	}
	frame, err := p.Field(at+18, p.Len()-(at+18))
	if err != nil {
		return
	}
	mg := types.MulticastGroup{MAC: groupMAC, ADI: adi}

	// A sender of multicast implicitly subscribes.
	sw.re.Multicaster.Add(nwid, mg, peer.Address(), now)

	if gatherBudget > 0 {
		selfSubscribed := nw.SubscribedTo(mg)
		sw.sendOK(peer, packet.VerbMulticastFrame, p.PacketID(), func(ok *packet.Packet) error {
			ok.AppendUint64(nwid)
			mg.MAC.AppendTo(ok.Buffer)
			ok.AppendUint32(mg.ADI)
			if err := ok.AppendByte(multicast.FrameFlagGather); err != nil {
				return err
			}
			_, err := sw.re.Multicaster.Gather(peer.Address(), nwid, mg, gatherBudget, selfSubscribed, ok.Buffer)
			return err
		}, now)
	}

	if !nw.SubscribedTo(mg) {
		return
	}
	if nw.FilterFrame(network.FrameInfo{EtherType: etherType, SourceMAC: srcMAC, DestMAC: groupMAC}) != network.ActionAccept {
		return
	}

	peer.ReceivedMulticastFrame(now)
	sw.re.DeliverFrame(nwid, srcMAC, groupMAC, etherType, 0, frame)
}

func (sw *Switch) doCircuitTest(peer *peers.Peer, p *packet.Packet, local, remote types.InetAddress, now int64) {
	at := packet.IdxPayload
	testID, err := p.Uint64At(at)
	if err != nil {
		return
	}
	f, err := p.Field(at+8, types.AddressLength)
	if err != nil {
		return
	}
	originator, err := types.NewAddressFromBytes(f)
	if err != nil || !originator.Valid() {
		return
	}

	report := packet.New(originator, sw.re.Identity.Address(), packet.VerbCircuitTestReport)
	report.AppendUint64(testID)
	report.AppendUint64(uint64(now))
	report.AppendByte(byte(p.Hops()))
	sw.SendPacket(report, true, now)
}

func nwidBytes(nwid uint64) []byte {
	return []byte{
		byte(nwid >> 56), byte(nwid >> 48), byte(nwid >> 40), byte(nwid >> 32),
		byte(nwid >> 24), byte(nwid >> 16), byte(nwid >> 8), byte(nwid),
	}
}
