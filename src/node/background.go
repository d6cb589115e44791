package node

import (
	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
)

// Background cadences in milliseconds.
const (
	pingCheckInterval    = 30000
	housekeepingInterval = 120000
	likeGossipInterval   = 60000

	// Upstream peers get a HELLO at least this often per address
	// family.
	upstreamHelloInterval = 60000

	// onlineWindow: online means an upstream was heard from within it.
	onlineWindow = 65000

	// contactPollInterval keeps the tick fine-grained while rendezvous
	// probes are pending; the schedule has 500 ms steps.
	contactPollInterval = 250
)

// ProcessBackgroundTasks runs the periodic work: keepalives, LIKE
// gossip, config refresh, state expiry and online-status tracking. It
// returns the time at which the caller should invoke it again.
func (n *Node) ProcessBackgroundTasks(now int64) (ResultCode, int64) {
	n.sw.DrainContacts(now)

	nextDeadline := now + pingCheckInterval

	if now-n.lastPingCheck >= pingCheckInterval {
		n.lastPingCheck = now
		n.pingCheck(now)
	} else {
		if d := n.lastPingCheck + pingCheckInterval; d < nextDeadline {
			nextDeadline = d
		}
	}

	if now-n.lastLikeGossip >= likeGossipInterval {
		n.lastLikeGossip = now
		n.likeGossip(now)
	}

	if now-n.lastHousekeeping >= housekeepingInterval {
		n.lastHousekeeping = now
		n.housekeeping(now)
	}

	// Config refresh rides its own per-network cadence.
	n.networksMu.RLock()
	for _, nw := range n.networks {
		if nw.ConfigRequestDue(now) {
			n.sw.SendConfigRequest(nw, now)
		}
	}
	n.networksMu.RUnlock()

	if n.sw.PendingContacts() > 0 {
		if d := now + contactPollInterval; d < nextDeadline {
			nextDeadline = d
		}
	}

	return ResultOK, nextDeadline
}

// upstreams returns the root set plus every network-declared relay.
func (n *Node) upstreams() map[types.Address]bool {
	out := make(map[types.Address]bool)
	for _, r := range n.topo.RootAddresses() {
		out[r] = true
	}
	n.networksMu.RLock()
	for _, nw := range n.networks {
		if cfg := nw.Config(); cfg != nil {
			for _, relay := range cfg.Relays() {
				out[relay] = true
			}
		}
	}
	n.networksMu.RUnlock()
	return out
}

// pingCheck applies the keepalive rules to every known peer and
// updates the node's online state.
func (n *Node) pingCheck(now int64) {
	upstreams := n.upstreams()

	n.topo.EachPeer(func(p *peers.Peer) {
		if upstreams[p.Address()] {
			if now-p.LastHelloSent() >= upstreamHelloInterval {
				n.pingUpstream(p, now)
			}
			return
		}

		// Ordinary peers are kept alive only while frames move, so
		// idle NAT mappings are allowed to lapse.
		if p.ExchangedFramesRecently(now) {
			if best := p.BestPath(now); best != nil && now-best.LastSend() >= peers.PathLivenessWindow/2 {
				n.sw.SendEcho(p, now)
			}
		}
	})

	// Aliveness is judged after the keepalive pass so replies that
	// arrive while it runs count toward this very check.
	anyUpstreamAlive := false
	for addr := range upstreams {
		if p := n.topo.GetPeer(addr); p != nil {
			if p.LastReceive() > 0 && now-p.LastReceive() < onlineWindow {
				anyUpstreamAlive = true
				break
			}
		}
	}
	if len(upstreams) > 0 {
		n.setOnline(anyUpstreamAlive)
	}
}

// pingUpstream HELLOs an upstream on each address family: over live
// paths where they exist, at the statically known endpoints where
// they do not.
func (n *Node) pingUpstream(p *peers.Peer, now int64) {
	sentFamily := map[bool]bool{} // is4 -> sent
	for _, path := range p.ActivePaths(now) {
		is4 := path.Remote.Addr().Is4()
		if sentFamily[is4] {
			continue
		}
		sentFamily[is4] = true
		n.sw.SendHello(p, path.Local, path.Remote, now)
	}
	for _, ep := range n.topo.RootStableEndpoints(p.Address()) {
		is4 := ep.Addr().Is4()
		if sentFamily[is4] {
			continue
		}
		sentFamily[is4] = true
		n.sw.SendHello(p, types.InetAddress{}, ep, now)
	}
}

func (n *Node) setOnline(online bool) {
	if online == n.online {
		return
	}
	n.online = online
	if online {
		n.logger.Info("node is online")
		n.cb.event(EventOnline, "")
	} else {
		n.logger.Warn("node is offline")
		n.cb.event(EventOffline, "")
	}
}

// Online reports whether an upstream has been heard from recently.
func (n *Node) Online() bool { return n.online }

// likeGossip re-announces every network's multicast subscriptions.
func (n *Node) likeGossip(now int64) {
	n.networksMu.RLock()
	defer n.networksMu.RUnlock()
	for nwid, nw := range n.networks {
		n.sw.SendMulticastLikes(nwid, nw.MulticastGroups(), n.multicastUplinks(nwid), now)
	}
}

// housekeeping prunes every bounded table.
func (n *Node) housekeeping(now int64) {
	n.topo.Clean(now)
	n.mc.Clean(now)
	n.sw.Clean(now)

	n.networksMu.RLock()
	for _, nw := range n.networks {
		nw.Clean(now)
	}
	n.networksMu.RUnlock()

	n.persistPeerCache()
}

// persistPeerCache writes a compact record per known peer so the next
// cold start can resolve recent peers without a WHOIS round trip.
func (n *Node) persistPeerCache() {
	n.topo.EachPeer(func(p *peers.Peer) {
		rec := peerCacheRecord{
			Address:  p.Address().String(),
			Identity: p.Identity().String(),
			LastSeen: p.LastReceive(),
		}
		raw, err := rec.Marshal()
		if err != nil {
			return
		}
		n.ds.Put(peerCacheKey(p.Address()), raw, false)
	})
}
