package vswitch

import (
	"encoding/binary"
	"net/netip"

	"github.com/NAStools/zerotierone/src/multicast"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/types"
)

// Well-known EtherTypes.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86dd
)

// OnLocalFrame ingests an Ethernet frame from the local tap: rules,
// ARP scoping, then unicast, bridge or multicast handling. Returns
// false when the network is unknown or not yet configured.
func (sw *Switch) OnLocalFrame(nwid uint64, srcMAC, destMAC types.MAC, etherType uint16, vlan int, frame []byte, now int64) bool {
	nw := sw.re.GetNetwork(nwid)
	if nw == nil {
		return false
	}
	cfg := nw.Config()
	if cfg == nil {
		return false
	}

	if nw.FilterFrame(network.FrameInfo{EtherType: etherType, SourceMAC: srcMAC, DestMAC: destMAC}) != network.ActionAccept {
		return true // evaluated and dropped by policy
	}

	if destMAC.IsMulticast() || destMAC.IsBroadcast() {
		sw.sendMulticastFrame(nw, cfg, srcMAC, destMAC, etherType, frame, now)
		return true
	}

	// Unicast: the destination member is recoverable from its derived
	// MAC.
	destAddr := destMAC.ToAddress(nwid)
	if destAddr.Valid() {
		sw.sendExtFrame(nw, destAddr, srcMAC, destMAC, etherType, frame, now)
		return true
	}

	// Unknown unicast MAC: on a bridging-enabled network, flood to the
	// active bridges, one of which should know the port behind it.
	if cfg.Bridging {
		for _, bridge := range cfg.ActiveBridges() {
			sw.sendExtFrame(nw, bridge, srcMAC, destMAC, etherType, frame, now)
		}
	}
	return true
}

func (sw *Switch) sendExtFrame(nw *network.Network, to types.Address, srcMAC, destMAC types.MAC, etherType uint16, frame []byte, now int64) {
	p := packet.New(to, sw.re.Identity.Address(), packet.VerbExtFrame)
	p.AppendUint64(nw.ID())

	cfg := nw.Config()
	attachCOM := cfg != nil && cfg.Private && cfg.COM != nil && nw.NeedsOurCertificate(to, now)
	if attachCOM {
		p.AppendByte(multicast.FrameFlagCOM)
		if err := cfg.COM.AppendTo(p.Buffer); err != nil {
			return
		}
		nw.RecordCertificatePush(to, now)
	} else {
		p.AppendByte(0)
	}

	destMAC.AppendTo(p.Buffer)
	srcMAC.AppendTo(p.Buffer)
	p.AppendUint16(etherType)
	if err := p.Append(frame); err != nil {
		return
	}
	p.Compress()
	sw.SendPacket(p, true, now)
}

func (sw *Switch) sendMulticastFrame(nw *network.Network, cfg *network.Config, srcMAC, destMAC types.MAC, etherType uint16, frame []byte, now int64) {
	var mg types.MulticastGroup

	if destMAC.IsBroadcast() {
		if !cfg.Broadcast {
			return
		}
		if etherType == EtherTypeARP && len(frame) >= 28 {
			// Scope ARP to the address being resolved instead of
			// waking the whole network.
			target := binary.BigEndian.Uint32(frame[24:28])
			mg = types.NewMulticastGroupForAddressResolution(netip.AddrFrom4([4]byte{
				byte(target >> 24), byte(target >> 16), byte(target >> 8), byte(target),
			}))
		} else {
			mg = types.MulticastGroup{MAC: destMAC}
		}
	} else {
		mg = types.MulticastGroup{MAC: destMAC}
	}

	var com *network.CertificateOfMembership
	if cfg.Private {
		com = cfg.COM
	}

	spec := multicast.FrameSpec{
		NetworkID: nw.ID(),
		Group:     mg,
		SourceMAC: srcMAC,
		EtherType: etherType,
		Payload:   frame,
		COM:       com,
	}
	if err := sw.re.Multicaster.Send(spec, cfg.MulticastLimit, cfg.ActiveBridges(), now); err != nil {
		sw.logger.WithError(err).Debug("multicast send failed")
	}
}
