package peers

import (
	"github.com/NAStools/zerotierone/src/types"
)

// PathLivenessWindow is how long a path stays active after its last
// received packet, in milliseconds.
const PathLivenessWindow = 60000

// Path is one physical route to a peer: the local socket address we
// send from and the remote address we send to, with activity stamps.
type Path struct {
	Local  types.InetAddress
	Remote types.InetAddress

	lastSend    int64
	lastReceive int64

	// TrustedPathID is nonzero when both endpoints fall inside a
	// configured trusted physical network, over which encryption and
	// MAC are skipped.
	TrustedPathID uint64
}

// NewPath creates a path with no activity yet.
func NewPath(local, remote types.InetAddress) *Path {
	return &Path{Local: local, Remote: remote}
}

// Sent stamps an outgoing packet.
func (p *Path) Sent(now int64) { p.lastSend = now }

// Received stamps an incoming packet.
func (p *Path) Received(now int64) { p.lastReceive = now }

// LastSend returns the last send stamp.
func (p *Path) LastSend() int64 { return p.lastSend }

// LastReceive returns the last receive stamp.
func (p *Path) LastReceive() int64 { return p.lastReceive }

// Active reports whether a packet has been received within the
// liveness window.
func (p *Path) Active(now int64) bool {
	return p.lastReceive > 0 && now-p.lastReceive < PathLivenessWindow
}

// Confirmed reports whether we have received on this path since last
// sending to it, i.e. the remote end demonstrably hears us.
func (p *Path) Confirmed() bool {
	return p.lastReceive > 0 && p.lastReceive >= p.lastSend
}

// Score ranks a path for selection: address scope dominates, freshness
// breaks ties within a scope.
func (p *Path) Score(now int64) int64 {
	age := now - p.lastReceive
	if p.lastReceive == 0 {
		age = PathLivenessWindow
	}
	return int64(p.Remote.Scope())*10000000 - age
}

// Matches reports whether this path is the given (local, remote) pair.
// A nil local address on file matches any local address.
func (p *Path) Matches(local, remote types.InetAddress) bool {
	if p.Remote.AddrPort != remote.AddrPort {
		return false
	}
	return p.Local.IsNil() || local.IsNil() || p.Local.AddrPort == local.AddrPort
}
