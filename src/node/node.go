package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/config"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/multicast"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/store"
	"github.com/NAStools/zerotierone/src/topology"
	"github.com/NAStools/zerotierone/src/types"
	"github.com/NAStools/zerotierone/src/vswitch"
)

// Node is the top-level engine façade: it owns the identity, the peer
// directory, the switch, the multicaster and the per-network state,
// and drives everything through three entry points: wire ingress, tap
// ingress, and the background tick.
type Node struct {
	cfg    *config.Config
	cb     Callbacks
	ds     store.DataStore
	logger *logrus.Entry

	identity *identity.Identity
	topo     *topology.Topology
	mc       *multicast.Multicaster
	sw       *vswitch.Switch

	networksMu sync.RWMutex
	networks   map[uint64]*network.Network
	upNotified map[uint64]bool

	localAddrsMu sync.Mutex
	localAddrs   []types.InetAddress

	lastPingCheck    int64
	lastHousekeeping int64
	lastLikeGossip   int64
	online           bool

	deferred *deferredPool

	closed bool
}

// New constructs a node. The identity is loaded from the data store or
// generated and persisted on first run; world is the root definition
// to seed the topology with (nil starts rootless, for closed test
// fabrics).
func New(cfg *config.Config, cb Callbacks, ds store.DataStore, world *topology.World, now int64) (*Node, error) {
	logger := cfg.Logger()

	id, err := loadOrGenerateIdentity(ds, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		cb:       cb,
		ds:       ds,
		logger:   logger.WithField("node", id.Address().String()),
		identity:   id,
		networks:   make(map[uint64]*network.Network),
		upNotified: make(map[uint64]bool),
	}

	if world == nil {
		world = loadWorld(ds)
	}
	n.topo = topology.NewTopology(id, world, n.logger)
	n.mc = multicast.NewMulticaster(id.Address(), n.logger)

	re := &vswitch.RuntimeEnvironment{
		Identity:    id,
		Topology:    n.topo,
		Multicaster: n.mc,
		GetNetwork:  n.networkByID,
		SpansCommonNetwork: func(a, b types.Address) bool {
			n.networksMu.RLock()
			defer n.networksMu.RUnlock()
			for _, nw := range n.networks {
				if nw.MayCommunicateWith(a) && nw.MayCommunicateWith(b) {
					return true
				}
			}
			return false
		},
		WireSend: func(local, remote types.InetAddress, data []byte, ttl int) bool {
			if cb.WireSend == nil {
				return false
			}
			return cb.WireSend(local, remote, data, ttl)
		},
		PathCheck: cb.PathCheck,
		DeliverFrame: func(nwid uint64, src, dest types.MAC, etherType uint16, vlan int, data []byte) {
			if cb.FrameDeliver != nil {
				cb.FrameDeliver(nwid, src, dest, etherType, vlan, data)
			}
		},
		ConfigUpdated:       n.onConfigUpdated,
		ResolveCached:       n.resolveCachedPeer,
		HandleConfigRequest: cb.HandleConfigRequest,
		Logger:              n.logger,
	}
	n.sw = vswitch.NewSwitch(re)

	n.mc.Wire(n.sw, n.multicastUplinks, func(nwid uint64, to types.Address, now int64) bool {
		if nw := n.networkByID(nwid); nw != nil {
			if nw.NeedsOurCertificate(to, now) {
				nw.RecordCertificatePush(to, now)
				return true
			}
		}
		return false
	})

	n.deferred = newDeferredPool(n, cfg.DeferredWorkers, cfg.DeferredQueueSize)

	n.lastPingCheck = now
	n.lastHousekeeping = now
	n.cb.event(EventUp, "")
	return n, nil
}

func loadOrGenerateIdentity(ds store.DataStore, logger *logrus.Entry) (*identity.Identity, error) {
	raw, err := ds.Get(store.KeyIdentitySecret)
	if err == nil {
		id, perr := identity.NewFromString(string(raw))
		if perr != nil || !id.HasPrivate() {
			return nil, fmt.Errorf("stored identity unreadable: %w", perr)
		}
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	logger.Info("no identity on file, generating one (this takes a while)")
	id := identity.Generate()
	if err := ds.Put(store.KeyIdentitySecret, []byte(id.PrivateString()), true); err != nil {
		return nil, err
	}
	if err := ds.Put(store.KeyIdentityPublic, []byte(id.String()), false); err != nil {
		return nil, err
	}
	logger.WithField("address", id.Address()).Info("identity generated")
	return id, nil
}

func loadWorld(ds store.DataStore) *topology.World {
	raw, err := ds.Get(store.KeyWorld)
	if err != nil {
		return nil
	}
	b, err := common.NewBufferFrom(raw, len(raw))
	if err != nil {
		return nil
	}
	w, _, err := topology.ReadWorld(b, 0)
	if err != nil {
		return nil
	}
	return w
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Address returns the node's 40-bit address.
func (n *Node) Address() types.Address { return n.identity.Address() }

func (n *Node) networkByID(nwid uint64) *network.Network {
	n.networksMu.RLock()
	defer n.networksMu.RUnlock()
	return n.networks[nwid]
}

// multicastUplinks names where LIKE gossip and explicit GATHER queries
// go for a network: the best root plus the controller.
func (n *Node) multicastUplinks(nwid uint64) []types.Address {
	var out []types.Address
	if root := n.topo.BestRoot(n.lastPingCheck); root != nil {
		out = append(out, root.Address())
	}
	ctrl := network.ControllerFor(nwid)
	if ctrl != n.identity.Address() && !containsAddr(out, ctrl) {
		out = append(out, ctrl)
	}
	return out
}

// ProcessWirePacket ingests one UDP datagram. With deferred workers
// enabled, decryption and dispatch happen on a worker thread; the
// calling thread only falls back to inline processing when the queue
// is full.
func (n *Node) ProcessWirePacket(now int64, local, remote types.InetAddress, data []byte) ResultCode {
	if len(data) == 0 {
		return ResultErrorBadParameter
	}
	if !n.deferred.enqueue(local, remote, data, now) {
		n.sw.OnWirePacket(local, remote, data, now)
	}
	return ResultOK
}

// ProcessVirtualNetworkFrame ingests one Ethernet frame from the tap.
func (n *Node) ProcessVirtualNetworkFrame(now int64, nwid uint64, srcMAC, destMAC types.MAC, etherType uint16, vlan int, data []byte) ResultCode {
	if !n.sw.OnLocalFrame(nwid, srcMAC, destMAC, etherType, vlan, data, now) {
		return ResultErrorNetworkNotFound
	}
	return ResultOK
}

// Join joins a network: allocates per-network state, installs any
// cached config for warm start, and queues a config request toward
// the controller.
func (n *Node) Join(nwid uint64, now int64) ResultCode {
	if nwid == 0 {
		return ResultErrorBadParameter
	}

	n.networksMu.Lock()
	if _, exists := n.networks[nwid]; exists {
		n.networksMu.Unlock()
		return ResultOK
	}
	nw := network.NewNetwork(nwid, n.logger)
	n.networks[nwid] = nw
	n.networksMu.Unlock()

	// Warm start from the cached config; it was verified when stored.
	if raw, err := n.ds.Get(networkConfigKey(nwid)); err == nil {
		if d, err := common.NewDictionaryFrom(raw, network.ConfigDictionaryCapacity); err == nil {
			if updated, _ := nw.InstallCachedConfig(d, n.identity.Address(), now); updated {
				n.networksMu.Lock()
				n.upNotified[nwid] = true
				n.networksMu.Unlock()
				n.notifyNetwork(nwid, NetworkConfigOpUp)
			}
		}
	}

	n.sw.SendConfigRequest(nw, now)
	return ResultOK
}

// Leave leaves a network and destroys its state.
func (n *Node) Leave(nwid uint64) ResultCode {
	n.networksMu.Lock()
	nw := n.networks[nwid]
	delete(n.networks, nwid)
	delete(n.upNotified, nwid)
	n.networksMu.Unlock()
	if nw == nil {
		return ResultErrorNetworkNotFound
	}
	n.notifyNetwork(nwid, NetworkConfigOpDestroy)
	n.ds.Delete(networkConfigKey(nwid))
	return ResultOK
}

// MulticastSubscribe adds a local subscription and gossips it
// immediately.
func (n *Node) MulticastSubscribe(now int64, nwid uint64, mac types.MAC, adi uint32) ResultCode {
	nw := n.networkByID(nwid)
	if nw == nil {
		return ResultErrorNetworkNotFound
	}
	if nw.SubscribeMulticast(types.MulticastGroup{MAC: mac, ADI: adi}) {
		n.sw.SendMulticastLikes(nwid, nw.MulticastGroups(), n.multicastUplinks(nwid), now)
	}
	return ResultOK
}

// MulticastUnsubscribe removes a local subscription.
func (n *Node) MulticastUnsubscribe(nwid uint64, mac types.MAC, adi uint32) ResultCode {
	nw := n.networkByID(nwid)
	if nw == nil {
		return ResultErrorNetworkNotFound
	}
	nw.UnsubscribeMulticast(types.MulticastGroup{MAC: mac, ADI: adi})
	return ResultOK
}

// AddLocalInterfaceAddress tells the node about a bound local socket
// address, announced in HELLOs for path diversity.
func (n *Node) AddLocalInterfaceAddress(addr types.InetAddress) {
	n.localAddrsMu.Lock()
	defer n.localAddrsMu.Unlock()
	for _, a := range n.localAddrs {
		if a.AddrPort == addr.AddrPort {
			return
		}
	}
	n.localAddrs = append(n.localAddrs, addr)
}

// ClearLocalInterfaceAddresses forgets all local addresses.
func (n *Node) ClearLocalInterfaceAddresses() {
	n.localAddrsMu.Lock()
	n.localAddrs = nil
	n.localAddrsMu.Unlock()
}

// SetTrustedPaths installs the trusted physical network table.
func (n *Node) SetTrustedPaths(tp []topology.TrustedPath) {
	n.topo.SetTrustedPaths(tp)
}

// onConfigUpdated runs after a network accepts a new config: persist
// it for warm start, notify the host, and burst our subscriptions.
func (n *Node) onConfigUpdated(nwid uint64, now int64) {
	nw := n.networkByID(nwid)
	if nw == nil {
		return
	}
	cfg := nw.Config()
	if cfg != nil {
		if d, err := cfg.Dictionary(); err == nil {
			n.ds.Put(networkConfigKey(nwid), d.Bytes(), false)
		}
	}
	op := NetworkConfigOpUpdate
	n.networksMu.Lock()
	if !n.upNotified[nwid] {
		n.upNotified[nwid] = true
		op = NetworkConfigOpUp
	}
	n.networksMu.Unlock()
	n.notifyNetwork(nwid, op)
	n.sw.SendMulticastLikes(nwid, nw.MulticastGroups(), n.multicastUplinks(nwid), now)
}

func (n *Node) notifyNetwork(nwid uint64, op VirtualNetworkConfigOp) {
	if n.cb.VirtualNetworkConfig == nil {
		return
	}
	n.cb.VirtualNetworkConfig(nwid, op, n.networkStatus(nwid))
}

// resolveCachedPeer answers WHOIS lookups from the persisted peer
// cache. The identity was validated before it was cached, but it is
// re-validated here: the store is host-writable.
func (n *Node) resolveCachedPeer(addr types.Address) *identity.Identity {
	raw, err := n.ds.Get(peerCacheKey(addr))
	if err != nil {
		return nil
	}
	var rec peerCacheRecord
	if err := rec.Unmarshal(raw); err != nil {
		return nil
	}
	id, err := identity.NewFromString(rec.Identity)
	if err != nil || id.Address() != addr || !id.LocallyValidate() {
		return nil
	}
	return id
}

func networkConfigKey(nwid uint64) string {
	return fmt.Sprintf("%s%.16x.conf", store.NetworkConfigDir, nwid)
}

func peerCacheKey(addr types.Address) string {
	return store.PeerCacheDir + addr.String()
}

// Networks returns the joined network IDs in ascending order.
func (n *Node) Networks() []uint64 {
	n.networksMu.RLock()
	defer n.networksMu.RUnlock()
	out := make([]uint64, 0, len(n.networks))
	for nwid := range n.networks {
		out = append(out, nwid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close tears the node down: workers stop, the host gets a DOWN
// event, and no further ingress calls may be made.
func (n *Node) Close() {
	if n.closed {
		return
	}
	n.closed = true
	n.deferred.stop()
	n.persistPeerCache()
	n.cb.event(EventDown, "")
}

func containsAddr(list []types.Address, a types.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
