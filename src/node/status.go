package node

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
)

// Status is the node-level status record.
type Status struct {
	Address        string   `json:"address"`
	PublicIdentity string   `json:"publicIdentity"`
	WorldID        uint64   `json:"worldId"`
	WorldTimestamp uint64   `json:"worldTimestamp"`
	Online         bool     `json:"online"`
	ListeningOn    []string `json:"listeningOn"`
}

// PathStatus describes one physical path of a peer.
type PathStatus struct {
	Address       string `json:"address"`
	LastSend      int64  `json:"lastSend"`
	LastReceive   int64  `json:"lastReceive"`
	Active        bool   `json:"active"`
	Preferred     bool   `json:"preferred"`
	TrustedPathID uint64 `json:"trustedPathId"`
}

// PeerStatus describes one known peer.
type PeerStatus struct {
	Address   string       `json:"address"`
	Version   string       `json:"version"`
	LatencyMs int64        `json:"latency"`
	Role      string       `json:"role"`
	Paths     []PathStatus `json:"paths"`
}

// VirtualNetworkStatus describes one joined network, as handed to the
// network config callback and the status queries.
type VirtualNetworkStatus struct {
	NetworkID      uint64   `json:"nwid"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Type           string   `json:"type"`
	MTU            int      `json:"mtu"`
	MAC            string   `json:"mac"`
	Broadcast      bool     `json:"broadcastEnabled"`
	Bridging       bool     `json:"bridgingEnabled"`
	MulticastLimit int      `json:"multicastLimit"`
	AssignedIPs    []string `json:"assignedAddresses"`
	Routes         []string `json:"routes"`
}

// canonical JSON via ugorji codec, so records hash and compare stably.
func marshalCanonical(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func unmarshalCanonical(data []byte, v interface{}) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return codec.NewDecoder(bytes.NewBuffer(data), jh).Decode(v)
}

// peerCacheRecord is what gets persisted under peers.d/<addr>.
type peerCacheRecord struct {
	Address  string `json:"address"`
	Identity string `json:"identity"`
	LastSeen int64  `json:"lastSeen"`
}

func (r *peerCacheRecord) Marshal() ([]byte, error) { return marshalCanonical(r) }

func (r *peerCacheRecord) Unmarshal(data []byte) error { return unmarshalCanonical(data, r) }

// Status returns the node status record.
func (n *Node) Status() Status {
	s := Status{
		Address:        n.identity.Address().String(),
		PublicIdentity: n.identity.String(),
		Online:         n.online,
	}
	if w := n.topo.World(); w != nil {
		s.WorldID = w.ID
		s.WorldTimestamp = w.Timestamp
	}
	n.localAddrsMu.Lock()
	for _, a := range n.localAddrs {
		s.ListeningOn = append(s.ListeningOn, a.String())
	}
	n.localAddrsMu.Unlock()
	return s
}

// Peers returns status records for every known peer, roots flagged.
func (n *Node) Peers(now int64) []PeerStatus {
	var out []PeerStatus
	n.topo.EachPeer(func(p *peers.Peer) {
		role := "LEAF"
		if n.topo.IsRoot(p.Address()) {
			role = "ROOT"
		}
		ps := PeerStatus{
			Address:   p.Address().String(),
			Version:   p.RemoteVersion(),
			LatencyMs: p.Latency(),
			Role:      role,
		}
		best := p.BestPath(now)
		for _, path := range p.Paths() {
			ps.Paths = append(ps.Paths, PathStatus{
				Address:       path.Remote.String(),
				LastSend:      path.LastSend(),
				LastReceive:   path.LastReceive(),
				Active:        path.Active(now),
				Preferred:     path == best,
				TrustedPathID: path.TrustedPathID,
			})
		}
		out = append(out, ps)
	})
	return out
}

// NetworkStatus returns the status record for one joined network, or
// nil.
func (n *Node) NetworkStatus(nwid uint64) *VirtualNetworkStatus {
	return n.networkStatus(nwid)
}

func (n *Node) networkStatus(nwid uint64) *VirtualNetworkStatus {
	nw := n.networkByID(nwid)
	if nw == nil {
		return nil
	}

	vs := &VirtualNetworkStatus{
		NetworkID: nwid,
		Status:    nw.Status().String(),
		Type:      "PRIVATE",
		MAC:       types.NewMACFromAddress(n.identity.Address(), nwid).String(),
	}
	cfg := nw.Config()
	if cfg == nil {
		return vs
	}
	vs.Name = cfg.Name
	vs.MTU = cfg.MTU
	vs.Broadcast = cfg.Broadcast
	vs.Bridging = cfg.Bridging
	vs.MulticastLimit = cfg.MulticastLimit
	if cfg.IsPublic() {
		vs.Type = "PUBLIC"
	}
	for _, ip := range cfg.StaticIPs {
		vs.AssignedIPs = append(vs.AssignedIPs, ip.String())
	}
	for _, r := range cfg.Routes {
		s := r.Target.String()
		if r.Via.IsValid() {
			s += " via " + r.Via.String()
		}
		vs.Routes = append(vs.Routes, s)
	}
	return vs
}

// MarshalStatus renders any status record as canonical JSON.
func MarshalStatus(v interface{}) ([]byte, error) { return marshalCanonical(v) }
