package peers

import (
	"fmt"
	"sync"

	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

// Limits and timing, in milliseconds where applicable.
const (
	MaxPathsPerPeer = 4

	// replayWindowSize bounds the per-peer ring of recently seen
	// packet IDs used for duplicate suppression.
	replayWindowSize = 32

	// expectingReplyWindow bounds tracked outstanding requests, used
	// for latency measurement and OK validation.
	expectingReplyWindow = 32

	// PeerActivityTimeout is how long a peer counts as alive after its
	// last direct receive.
	PeerActivityTimeout = 65000
)

// SendFunc transmits raw bytes over a physical socket. It returns
// false when the host could not send. A nil local address lets the
// host pick the socket.
type SendFunc func(local, remote types.InetAddress, data []byte) bool

type expectedReply struct {
	packetID uint64
	verb     byte
	sentAt   int64
}

// Peer is a remote node with a verified identity: the derived session
// key, up to four physical paths, liveness stamps and protocol
// bookkeeping. Peers are shared between the topology directory and
// in-flight dispatches; all state is guarded by the internal mutex.
type Peer struct {
	mu sync.Mutex

	identity *identity.Identity
	key      [32]byte

	paths []*Path

	created            int64
	lastReceive        int64
	lastUnicastFrame   int64
	lastMulticastFrame int64
	lastHelloSent      int64

	latency int64 // ms, exponentially weighted

	vProto, vMajor, vMinor, vRevision int

	replay    [replayWindowSize]uint64
	replayIdx int

	expecting [expectingReplyWindow]expectedReply
	expectIdx int
}

// NewPeer creates a peer from its verified identity, deriving the
// long-term session key from our identity and theirs.
func NewPeer(self *identity.Identity, theirs *identity.Identity) (*Peer, error) {
	key, err := self.Agree(theirs)
	if err != nil {
		return nil, err
	}
	return &Peer{identity: theirs, key: key}, nil
}

// Identity returns the peer's identity.
func (p *Peer) Identity() *identity.Identity { return p.identity }

// Address returns the peer's address.
func (p *Peer) Address() types.Address { return p.identity.Address() }

// Key returns the long-term session key shared with this peer.
func (p *Peer) Key() *[32]byte { return &p.key }

// Received records an authenticated inbound packet. Direct packets
// (zero hops) teach the peer a path: an existing matching path is
// refreshed; otherwise the new path fills a free slot or replaces the
// worst inactive path if it outscores it.
func (p *Peer) Received(local, remote types.InetAddress, hops int, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastReceive = now
	if hops != 0 || remote.IsNil() {
		return
	}

	for _, path := range p.paths {
		if path.Matches(local, remote) {
			path.Received(now)
			return
		}
	}

	np := NewPath(local, remote)
	np.Received(now)

	if len(p.paths) < MaxPathsPerPeer {
		p.paths = append(p.paths, np)
		return
	}

	worst := -1
	for i, path := range p.paths {
		if path.Active(now) {
			continue
		}
		if worst < 0 || path.Score(now) < p.paths[worst].Score(now) {
			worst = i
		}
	}
	if worst >= 0 && np.Score(now) > p.paths[worst].Score(now) {
		p.paths[worst] = np
	}
}

// BestPath returns the preferred path: the highest-scoring confirmed
// active path, or failing that the most recently sent-to path.
func (p *Peer) BestPath(now int64) *Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bestPathLocked(now)
}

func (p *Peer) bestPathLocked(now int64) *Path {
	var best *Path
	for _, path := range p.paths {
		if !path.Active(now) || !path.Confirmed() {
			continue
		}
		if best == nil || path.Score(now) > best.Score(now) {
			best = path
		}
	}
	if best != nil {
		return best
	}
	for _, path := range p.paths {
		if best == nil || path.LastSend() > best.LastSend() {
			best = path
		}
	}
	return best
}

// ActivePaths returns the currently live paths.
func (p *Peer) ActivePaths(now int64) []*Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Path
	for _, path := range p.paths {
		if path.Active(now) {
			out = append(out, path)
		}
	}
	return out
}

// Paths returns all tracked paths, active or not.
func (p *Peer) Paths() []*Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// AddPath inserts a path learned out of band (a static root endpoint
// or a rendezvous hint) without marking it received.
func (p *Peer) AddPath(local, remote types.InetAddress) *Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range p.paths {
		if path.Matches(local, remote) {
			return path
		}
	}
	np := NewPath(local, remote)
	if len(p.paths) < MaxPathsPerPeer {
		p.paths = append(p.paths, np)
		return np
	}
	// Replace the worst unconfirmed path; never displace a live one
	// for a speculative endpoint.
	worst := -1
	for i, path := range p.paths {
		if path.Confirmed() {
			continue
		}
		if worst < 0 || path.Score(0) < p.paths[worst].Score(0) {
			worst = i
		}
	}
	if worst >= 0 {
		p.paths[worst] = np
		return np
	}
	return nil
}

// Send transmits armored wire bytes over the peer's best path.
func (p *Peer) Send(send SendFunc, data []byte, now int64) bool {
	p.mu.Lock()
	path := p.bestPathLocked(now)
	p.mu.Unlock()
	if path == nil {
		return false
	}
	if !send(path.Local, path.Remote, data) {
		return false
	}
	path.Sent(now)
	return true
}

// Alive reports whether anything has been received from this peer
// recently enough to consider it reachable.
func (p *Peer) Alive(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReceive > 0 && now-p.lastReceive < PeerActivityTimeout
}

// LastReceive returns the last authenticated receive stamp.
func (p *Peer) LastReceive() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReceive
}

// SetCreated stamps when the peer entered the directory; idle eviction
// measures from the later of this and the last receive.
func (p *Peer) SetCreated(now int64) {
	p.mu.Lock()
	p.created = now
	p.mu.Unlock()
}

// LastActivity returns the later of creation and last receive.
func (p *Peer) LastActivity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastReceive > p.created {
		return p.lastReceive
	}
	return p.created
}

// Frame activity stamps gate keepalives for ordinary peers.

func (p *Peer) ReceivedUnicastFrame(now int64) {
	p.mu.Lock()
	p.lastUnicastFrame = now
	p.mu.Unlock()
}

func (p *Peer) ReceivedMulticastFrame(now int64) {
	p.mu.Lock()
	p.lastMulticastFrame = now
	p.mu.Unlock()
}

// ExchangedFramesRecently reports whether unicast or multicast frames
// moved within the activity timeout, which keeps NAT mappings worth
// maintaining.
func (p *Peer) ExchangedFramesRecently(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastUnicastFrame
	if p.lastMulticastFrame > last {
		last = p.lastMulticastFrame
	}
	return last > 0 && now-last < PeerActivityTimeout
}

// HelloSent stamps an outgoing HELLO, pacing keepalives.
func (p *Peer) HelloSent(now int64) {
	p.mu.Lock()
	p.lastHelloSent = now
	p.mu.Unlock()
}

// LastHelloSent returns the stamp of the last outgoing HELLO.
func (p *Peer) LastHelloSent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHelloSent
}

// MarkPacketReceived records a packet ID in the replay window,
// returning false if it was already seen.
func (p *Peer) MarkPacketReceived(packetID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.replay {
		if id == packetID {
			return false
		}
	}
	p.replay[p.replayIdx] = packetID
	p.replayIdx = (p.replayIdx + 1) % replayWindowSize
	return true
}

// ExpectReplyTo registers an outstanding request for latency
// measurement and OK/ERROR validation.
func (p *Peer) ExpectReplyTo(packetID uint64, verb byte, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expecting[p.expectIdx] = expectedReply{packetID, verb, now}
	p.expectIdx = (p.expectIdx + 1) % expectingReplyWindow
}

// ReceivedReplyTo consumes an outstanding request. It returns whether
// the reply was expected, the verb of the original request, and
// updates the latency estimate from the round trip.
func (p *Peer) ReceivedReplyTo(packetID uint64, now int64) (bool, byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.expecting {
		if p.expecting[i].packetID == packetID && p.expecting[i].packetID != 0 {
			verb := p.expecting[i].verb
			rtt := now - p.expecting[i].sentAt
			p.expecting[i] = expectedReply{}
			if rtt >= 0 {
				if p.latency == 0 {
					p.latency = rtt
				} else {
					p.latency = (p.latency*3 + rtt) / 4
				}
			}
			return true, verb
		}
	}
	return false, 0
}

// Latency returns the smoothed round-trip estimate in milliseconds;
// zero means unknown.
func (p *Peer) Latency() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// SetRemoteVersion records the software version a HELLO announced.
func (p *Peer) SetRemoteVersion(proto, major, minor, revision int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vProto, p.vMajor, p.vMinor, p.vRevision = proto, major, minor, revision
}

// RemoteVersion renders the announced version, or "unknown".
func (p *Peer) RemoteVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vProto == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", p.vMajor, p.vMinor, p.vRevision)
}
