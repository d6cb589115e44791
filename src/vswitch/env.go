package vswitch

import (
	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/multicast"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/topology"
	"github.com/NAStools/zerotierone/src/types"
)

// RuntimeEnvironment bundles the collaborators and host callbacks the
// switch operates against. The node owns one and hands it to every
// helper, which breaks what would otherwise be a web of cyclic
// references between the node and its parts.
//
// None of the function fields may re-enter the node; they are invoked
// with no switch lock held.
type RuntimeEnvironment struct {
	Identity    *identity.Identity
	Topology    *topology.Topology
	Multicaster *multicast.Multicaster

	// GetNetwork resolves a joined network, nil if not joined.
	GetNetwork func(nwid uint64) *network.Network

	// SpansCommonNetwork reports whether this node shares at least one
	// network with both peers; rendezvous is only brokered for such
	// pairs.
	SpansCommonNetwork func(a, b types.Address) bool

	// WireSend transmits raw bytes on a physical socket.
	WireSend func(local, remote types.InetAddress, data []byte, ttl int) bool

	// PathCheck lets the host veto physical paths.
	PathCheck func(local, remote types.InetAddress) bool

	// DeliverFrame hands an Ethernet frame to the local tap.
	DeliverFrame func(nwid uint64, src, dest types.MAC, etherType uint16, vlan int, data []byte)

	// ConfigUpdated fires after a network accepts a new config, with
	// no locks held.
	ConfigUpdated func(nwid uint64, now int64)

	// ResolveCached, when non-nil, answers an identity lookup from the
	// local peer cache before a WHOIS goes on the wire. The returned
	// identity must already have been verified when cached.
	ResolveCached func(addr types.Address) *identity.Identity

	// HandleConfigRequest, when non-nil, makes this node answer
	// NETWORK_CONFIG_REQUEST as a controller: it returns the signed
	// config dictionary for (source, nwid), or an error status.
	HandleConfigRequest func(source types.Address, nwid uint64, now int64) ([]byte, network.Status)

	Logger *logrus.Entry
}
