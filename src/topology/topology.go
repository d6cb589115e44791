package topology

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
)

// Peers untouched for this long are evicted unless they are roots, in
// milliseconds.
const peerIdleEviction = 30 * 60 * 1000

// A candidate root must beat the current best root's latency by this
// much before we switch, to keep the choice from flapping.
const rootSwitchHysteresis = 4.0 / 3.0

const maxTrustedPaths = 16

// TrustedPath marks a physical network over which packets may skip
// encryption and authentication, identified by a shared nonzero ID.
type TrustedPath struct {
	Network netip.Prefix
	ID      uint64
}

// Topology is the in-memory directory of known peers plus the signed
// world that names the root servers. It owns peer lifecycles: creation
// on first verified contact, eviction after idleness.
type Topology struct {
	mu     sync.RWMutex
	self   *identity.Identity
	logger *logrus.Entry

	peers map[types.Address]*peers.Peer
	world *World

	trustedPaths []TrustedPath

	bestRoot types.Address // sticky best root for hysteresis
}

// NewTopology creates a directory seeded with a world definition.
func NewTopology(self *identity.Identity, world *World, logger *logrus.Entry) *Topology {
	t := &Topology{
		self:   self,
		logger: logger,
		peers:  make(map[types.Address]*peers.Peer),
		world:  world,
	}
	if world != nil {
		for _, r := range world.Roots {
			t.addRootPeer(r)
		}
	}
	return t
}

func (t *Topology) addRootPeer(r Root) {
	if r.Identity.Address() == t.self.Address() {
		return
	}
	p, err := peers.NewPeer(t.self, r.Identity)
	if err != nil {
		t.logger.WithError(err).WithField("root", r.Identity.Address()).Warn("could not key root peer")
		return
	}
	for _, ep := range r.StableEndpoints {
		p.AddPath(types.InetAddress{}, ep)
	}
	t.peers[r.Identity.Address()] = p
}

// GetPeer returns the peer for an address, or nil.
func (t *Topology) GetPeer(addr types.Address) *peers.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[addr]
}

// ErrIdentityCollision is returned when a verified identity claims an
// address already bound to a different key; the first verified key
// wins.
var ErrIdentityCollision = errors.New("identity collision")

// AddVerifiedIdentity inserts a peer for an identity that has passed
// local validation, returning the (possibly pre-existing) peer.
func (t *Topology) AddVerifiedIdentity(id *identity.Identity, now int64) (*peers.Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.peers[id.Address()]; existing != nil {
		if !existing.Identity().Equals(id) {
			return nil, ErrIdentityCollision
		}
		return existing, nil
	}

	p, err := peers.NewPeer(t.self, id)
	if err != nil {
		return nil, err
	}
	p.SetCreated(now)
	t.peers[id.Address()] = p
	t.logger.WithField("peer", id.Address()).Debug("peer added")
	return p, nil
}

// EachPeer calls f for every known peer.
func (t *Topology) EachPeer(f func(*peers.Peer)) {
	t.mu.RLock()
	snapshot := make([]*peers.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.mu.RUnlock()
	for _, p := range snapshot {
		f(p)
	}
}

// PeerCount returns the number of known peers.
func (t *Topology) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// IsRoot reports whether an address belongs to the current root set.
func (t *Topology) IsRoot(addr types.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isRootLocked(addr)
}

func (t *Topology) isRootLocked(addr types.Address) bool {
	if t.world == nil {
		return false
	}
	for _, r := range t.world.Roots {
		if r.Identity.Address() == addr {
			return true
		}
	}
	return false
}

// RootAddresses returns the root set addresses.
func (t *Topology) RootAddresses() []types.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.Address
	if t.world != nil {
		for _, r := range t.world.Roots {
			out = append(out, r.Identity.Address())
		}
	}
	return out
}

// RootStableEndpoints returns the static endpoints for a root address.
func (t *Topology) RootStableEndpoints(addr types.Address) []types.InetAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.world == nil {
		return nil
	}
	for _, r := range t.world.Roots {
		if r.Identity.Address() == addr {
			return r.StableEndpoints
		}
	}
	return nil
}

// BestRoot returns the lowest-latency root with a live path. The
// current choice is sticky: a challenger must beat it by a quarter of
// its latency before we move, so transient jitter does not bounce
// traffic between roots.
func (t *Topology) BestRoot(now int64) *peers.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.world == nil {
		return nil
	}

	var current *peers.Peer
	if t.bestRoot != 0 {
		current = t.peers[t.bestRoot]
	}

	var best *peers.Peer
	var bestLatency int64
	for _, r := range t.world.Roots {
		p := t.peers[r.Identity.Address()]
		if p == nil {
			continue
		}
		l := p.Latency()
		if l == 0 {
			l = 65535 // unknown sorts last among measured roots
		}
		if !p.Alive(now) {
			l += 1 << 20
		}
		if best == nil || l < bestLatency {
			best = p
			bestLatency = l
		}
	}
	if best == nil {
		return nil
	}

	if current != nil && current != best && current.Alive(now) {
		cl := current.Latency()
		if cl == 0 {
			cl = 65535
		}
		if float64(cl) <= float64(bestLatency)*rootSwitchHysteresis {
			return current
		}
	}

	t.bestRoot = best.Address()
	return best
}

// World returns the current world definition.
func (t *Topology) World() *World {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.world
}

// AcceptWorldUpdate applies an incoming world if it supersedes the one
// we hold, creating peers for any new roots. Returns true if applied.
func (t *Topology) AcceptWorldUpdate(incoming *World) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.world == nil || !t.world.ShouldReplace(incoming) {
		return false
	}
	t.world = incoming
	t.bestRoot = 0
	for _, r := range incoming.Roots {
		if t.peers[r.Identity.Address()] == nil {
			t.addRootPeer(r)
		}
	}
	t.logger.WithField("timestamp", incoming.Timestamp).Info("world updated")
	return true
}

// SetTrustedPaths replaces the trusted path table.
func (t *Topology) SetTrustedPaths(tp []TrustedPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(tp) > maxTrustedPaths {
		tp = tp[:maxTrustedPaths]
	}
	t.trustedPaths = append([]TrustedPath(nil), tp...)
}

// TrustedPathID returns the nonzero trusted path ID when both physical
// endpoints fall inside the same configured trusted network.
func (t *Topology) TrustedPathID(local, remote types.InetAddress) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tp := range t.trustedPaths {
		if remote.IsValid() && tp.Network.Contains(remote.Addr()) {
			if !local.IsValid() || tp.Network.Contains(local.Addr()) {
				return tp.ID
			}
		}
	}
	return 0
}

// Clean evicts peers idle beyond the eviction window, roots excepted.
func (t *Topology) Clean(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, p := range t.peers {
		if t.isRootLocked(addr) {
			continue
		}
		if now-p.LastActivity() > peerIdleEviction {
			delete(t.peers, addr)
		}
	}
}
