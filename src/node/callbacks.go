package node

import (
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/types"
)

// ResultCode is returned by every public node operation. Codes below
// 1000 (other than OK) are fatal: the node is no longer usable.
type ResultCode int

const (
	ResultOK ResultCode = 0

	ResultFatalOutOfMemory      ResultCode = 1
	ResultFatalDataStoreFailed  ResultCode = 2
	ResultFatalInternal         ResultCode = 3

	ResultErrorNetworkNotFound      ResultCode = 1000
	ResultErrorUnsupportedOperation ResultCode = 1001
	ResultErrorBadParameter         ResultCode = 1002
)

// Fatal reports whether a result leaves the node unusable.
func (r ResultCode) Fatal() bool { return r != ResultOK && r < 1000 }

// Event codes surfaced through the event callback.
type Event int

const (
	EventUp Event = iota
	EventOffline
	EventOnline
	EventDown
	EventIdentityCollision
	EventTrace
)

func (e Event) String() string {
	switch e {
	case EventUp:
		return "UP"
	case EventOffline:
		return "OFFLINE"
	case EventOnline:
		return "ONLINE"
	case EventDown:
		return "DOWN"
	case EventIdentityCollision:
		return "IDENTITY_COLLISION"
	case EventTrace:
		return "TRACE"
	}
	return "UNKNOWN"
}

// VirtualNetworkConfigOp tells the host what happened to a network.
type VirtualNetworkConfigOp int

const (
	NetworkConfigOpUp VirtualNetworkConfigOp = iota
	NetworkConfigOpUpdate
	NetworkConfigOpDown
	NetworkConfigOpDestroy
)

// Callbacks is the set of host functions the node drives. All of them
// may be invoked from any thread and must be thread-safe; none of
// them may re-enter node methods on the same instance. The network
// config callback in particular deadlocks if it calls back in.
type Callbacks struct {
	// WireSend transmits a UDP payload. A nil local address lets the
	// host pick a socket. Returns false when nothing could be sent.
	WireSend func(local, remote types.InetAddress, data []byte, ttl int) bool

	// FrameDeliver hands an Ethernet frame up to the virtual tap.
	FrameDeliver func(nwid uint64, src, dest types.MAC, etherType uint16, vlan int, data []byte)

	// VirtualNetworkConfig reports network lifecycle transitions and
	// config updates.
	VirtualNetworkConfig func(nwid uint64, op VirtualNetworkConfigOp, config *VirtualNetworkStatus)

	// PathCheck, when non-nil, may veto physical paths.
	PathCheck func(local, remote types.InetAddress) bool

	// Event reports node-level events.
	Event func(e Event, metadata string)

	// HandleConfigRequest, when non-nil, makes this node answer
	// NETWORK_CONFIG_REQUEST as a network controller: it returns the
	// signed config dictionary for (source, nwid), or nil plus an
	// error status. Ordinary endpoints leave it nil.
	HandleConfigRequest func(source types.Address, nwid uint64, now int64) ([]byte, network.Status)
}

func (cb *Callbacks) event(e Event, metadata string) {
	if cb.Event != nil {
		cb.Event(e, metadata)
	}
}
