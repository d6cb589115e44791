package node

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/config"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/network"
	"github.com/NAStools/zerotierone/src/store"
	"github.com/NAStools/zerotierone/src/topology"
	"github.com/NAStools/zerotierone/src/types"
	"github.com/NAStools/zerotierone/src/vswitch"
)

// Real identities are required here: HELLO and WHOIS revalidate the
// hashcash, so the fabric mines three once and shares them across the
// test binary.
var (
	realIDOnce sync.Once
	realIDs    [3]*identity.Identity
)

func realIdentity(t *testing.T, i int) *identity.Identity {
	t.Helper()
	if testing.Short() {
		t.Skip("identity generation is slow")
	}
	realIDOnce.Do(func() {
		for j := range realIDs {
			realIDs[j] = identity.Generate()
		}
	})
	return realIDs[i]
}

type fabricNode struct {
	node     *Node
	ds       *store.InmemStore
	endpoint types.InetAddress

	mu        sync.Mutex
	delivered []deliveredTestFrame
	events    []Event
}

type deliveredTestFrame struct {
	nwid      uint64
	src, dest types.MAC
	etherType uint16
	data      []byte
}

type fabric struct {
	t     *testing.T
	nodes map[string]*fabricNode
	// block returns true to drop a wire send toward an endpoint.
	block func(to types.InetAddress) bool
	now   int64
}

func newNodeFabric(t *testing.T) *fabric {
	return &fabric{t: t, nodes: make(map[string]*fabricNode), now: 1_000_000}
}

func (f *fabric) addNode(id *identity.Identity, endpoint string, world *topology.World, ctrl func(source types.Address, nwid uint64, now int64) ([]byte, network.Status)) *fabricNode {
	f.t.Helper()
	ep, err := types.ParseInetAddress(endpoint)
	if err != nil {
		f.t.Fatalf("endpoint: %v", err)
	}

	fn := &fabricNode{ds: store.NewInmemStore(), endpoint: ep}
	fn.ds.Put(store.KeyIdentitySecret, []byte(id.PrivateString()), true)

	cfg := config.NewDefaultConfig()
	cfg.SetLogger(common.NewTestLogger(f.t))

	cb := Callbacks{
		WireSend: func(local, remote types.InetAddress, data []byte, ttl int) bool {
			if f.block != nil && f.block(remote) {
				return true
			}
			dest := f.nodes[remote.String()]
			if dest == nil {
				return false
			}
			buf := append([]byte(nil), data...)
			dest.node.ProcessWirePacket(f.now, dest.endpoint, fn.endpoint, buf)
			return true
		},
		FrameDeliver: func(nwid uint64, src, dest types.MAC, etherType uint16, vlan int, data []byte) {
			fn.mu.Lock()
			fn.delivered = append(fn.delivered, deliveredTestFrame{nwid, src, dest, etherType, append([]byte(nil), data...)})
			fn.mu.Unlock()
		},
		Event: func(e Event, metadata string) {
			fn.mu.Lock()
			fn.events = append(fn.events, e)
			fn.mu.Unlock()
		},
		HandleConfigRequest: ctrl,
	}

	n, err := New(cfg, cb, fn.ds, world, f.now)
	if err != nil {
		f.t.Fatalf("node: %v", err)
	}
	fn.node = n
	f.nodes[ep.String()] = fn
	return fn
}

func (fn *fabricNode) frames() []deliveredTestFrame {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	out := make([]deliveredTestFrame, len(fn.delivered))
	copy(out, fn.delivered)
	return out
}

// controllerFor builds a config-request handler that signs configs
// with the controller identity and issues agreeing certificates.
func controllerFor(t *testing.T, ctrlID *identity.Identity, nwid uint64, ipFor func(types.Address) string) func(types.Address, uint64, int64) ([]byte, network.Status) {
	var revMu sync.Mutex
	revisions := make(map[types.Address]uint64)

	return func(source types.Address, reqNwid uint64, now int64) ([]byte, network.Status) {
		if reqNwid != nwid {
			return nil, network.StatusNotFound
		}
		revMu.Lock()
		revisions[source]++
		rev := revisions[source]
		revMu.Unlock()

		com := network.NewCertificate(uint64(now), 60000, nwid, source)
		if err := com.Sign(ctrlID); err != nil {
			t.Errorf("com sign: %v", err)
			return nil, network.StatusNotFound
		}
		cfg := &network.Config{
			NetworkID:      nwid,
			Timestamp:      uint64(now),
			Revision:       rev,
			IssuedTo:       source,
			Name:           "integration",
			Private:        true,
			MTU:            2800,
			MulticastLimit: 32,
			Broadcast:      true,
			COM:            com,
		}
		if ip := ipFor(source); ip != "" {
			cfg.StaticIPs = []netip.Prefix{netip.MustParsePrefix(ip)}
		}
		d, err := cfg.SignedDictionary(ctrlID)
		if err != nil {
			t.Errorf("config sign: %v", err)
			return nil, network.StatusNotFound
		}
		return d.Bytes(), network.StatusOK
	}
}

func TestEndToEnd(t *testing.T) {
	rootID := realIdentity(t, 0)
	aID := realIdentity(t, 1)
	bID := realIdentity(t, 2)

	// The root doubles as the network controller: the network ID
	// embeds its address.
	nwid := (uint64(rootID.Address()) << 24) | 0x000001

	kp := crypto.GenerateKeyPair()
	rootEndpoint, _ := types.ParseInetAddress("203.0.113.1:9993")
	world := &topology.World{ID: 7, Timestamp: 1, UpdatesMustBeSignedBy: kp.Public}
	world.Roots = []topology.Root{{Identity: mustPublic(t, rootID), StableEndpoints: []types.InetAddress{rootEndpoint}}}
	world.Sign(&kp)

	f := newNodeFabric(t)

	ips := map[types.Address]string{
		aID.Address():    "10.144.0.1/16",
		bID.Address():    "10.144.0.2/16",
		rootID.Address(): "10.144.0.3/16",
	}
	ctrl := controllerFor(t, rootID, nwid, func(a types.Address) string { return ips[a] })

	root := f.addNode(rootID, "203.0.113.1:9993", world, ctrl)
	a := f.addNode(aID, "198.51.100.1:9993", world, nil)
	b := f.addNode(bID, "198.51.100.2:9993", world, nil)

	// The root joins the network itself (it can not reach a controller
	// over the wire when it is the controller), warm-started from a
	// cached config so it tracks LIKE gossip for the network.
	rootCfg := &network.Config{
		NetworkID: nwid, Timestamp: 1, Revision: 1,
		IssuedTo: rootID.Address(), Private: false, MTU: 2800,
		MulticastLimit: 32, Broadcast: true,
	}
	d, err := rootCfg.Dictionary()
	if err != nil {
		t.Fatalf("root config: %v", err)
	}
	root.ds.Put(networkConfigKey(nwid), d.Bytes(), false)
	if rc := root.node.Join(nwid, f.now); rc != ResultOK {
		t.Fatalf("root join: %v", rc)
	}

	// First background tick announces A and B to the root via HELLO.
	f.now += pingCheckInterval + 1
	a.node.ProcessBackgroundTasks(f.now)
	b.node.ProcessBackgroundTasks(f.now)

	rootPeerA := a.node.topo.GetPeer(rootID.Address())
	if rootPeerA == nil || rootPeerA.BestPath(f.now) == nil || !rootPeerA.BestPath(f.now).Confirmed() {
		t.Fatalf("A has no confirmed path to the root")
	}
	if !a.node.Online() {
		t.Fatalf("A not online after upstream exchange")
	}

	// Join and fetch configs over the wire.
	if rc := a.node.Join(nwid, f.now); rc != ResultOK {
		t.Fatalf("join: %v", rc)
	}
	if rc := b.node.Join(nwid, f.now); rc != ResultOK {
		t.Fatalf("join: %v", rc)
	}

	aStatus := a.node.NetworkStatus(nwid)
	if aStatus == nil || aStatus.Status != "OK" {
		t.Fatalf("A network status: %+v", aStatus)
	}
	if len(aStatus.AssignedIPs) != 1 || aStatus.AssignedIPs[0] != "10.144.0.1/16" {
		t.Fatalf("A assigned IPs: %v", aStatus.AssignedIPs)
	}

	// A sends a unicast IP frame to B's derived MAC. B is a stranger
	// to A at this point: the frame must park behind WHOIS, resolve
	// through the root, relay via the root, and land on B's tap
	// exactly once.
	srcMAC := types.NewMACFromAddress(aID.Address(), nwid)
	destMAC := types.NewMACFromAddress(bID.Address(), nwid)
	payload := []byte("ipv4 packet from a to b")

	rc := a.node.ProcessVirtualNetworkFrame(f.now, nwid, srcMAC, destMAC, vswitch.EtherTypeIPv4, 0, payload)
	if rc != ResultOK {
		t.Fatalf("frame: %v", rc)
	}

	bFrames := b.frames()
	if len(bFrames) != 1 {
		t.Fatalf("B delivered %d frames, want 1", len(bFrames))
	}
	if bFrames[0].etherType != vswitch.EtherTypeIPv4 || string(bFrames[0].data) != string(payload) {
		t.Fatalf("B frame mismatch: %+v", bFrames[0])
	}
	if bFrames[0].src != srcMAC || bFrames[0].dest != destMAC {
		t.Fatalf("B frame MACs wrong")
	}

	// Relaying showed the root both sides: it rendezvoused them, and
	// the immediate probes built a direct confirmed path.
	f.now += 10
	a.node.ProcessBackgroundTasks(f.now)
	b.node.ProcessBackgroundTasks(f.now)

	bPeerOnA := a.node.topo.GetPeer(bID.Address())
	if bPeerOnA == nil {
		t.Fatalf("A never learned B")
	}
	best := bPeerOnA.BestPath(f.now)
	if best == nil || !best.Confirmed() {
		t.Fatalf("A has no confirmed direct path to B after rendezvous")
	}
	if best.Remote.AddrPort != b.endpoint.AddrPort {
		t.Fatalf("A best path to B is not direct: %v", best.Remote)
	}

	// Reply direction works without relay now.
	reply := []byte("reply from b")
	b.node.ProcessVirtualNetworkFrame(f.now, nwid, destMAC, srcMAC, vswitch.EtherTypeIPv4, 0, reply)
	aFrames := a.frames()
	if len(aFrames) != 1 || string(aFrames[0].data) != string(reply) {
		t.Fatalf("A delivered %d frames", len(aFrames))
	}

	// ARP: A broadcasts a request for B's IP. The derived selective
	// group reaches B after a GATHER through the root, which heard
	// B's LIKE burst when B's config was installed.
	arp := make([]byte, 28)
	arp[24], arp[25], arp[26], arp[27] = 10, 144, 0, 2

	before := len(b.frames())
	a.node.ProcessVirtualNetworkFrame(f.now, nwid, srcMAC, 0xffffffffffff, vswitch.EtherTypeARP, 0, arp)

	bFrames = b.frames()
	if len(bFrames) != before+1 {
		t.Fatalf("ARP not delivered: %d frames", len(bFrames))
	}
	last := bFrames[len(bFrames)-1]
	if last.etherType != vswitch.EtherTypeARP || !last.dest.IsBroadcast() {
		t.Fatalf("ARP frame wrong: %+v", last)
	}
}

func TestSchedulerQuiesces(t *testing.T) {
	rootID := realIdentity(t, 0)
	aID := realIdentity(t, 1)

	kp := crypto.GenerateKeyPair()
	rootEndpoint, _ := types.ParseInetAddress("203.0.113.1:9993")
	world := &topology.World{ID: 7, Timestamp: 1, UpdatesMustBeSignedBy: kp.Public}
	world.Roots = []topology.Root{{Identity: mustPublic(t, rootID), StableEndpoints: []types.InetAddress{rootEndpoint}}}
	world.Sign(&kp)

	f := newNodeFabric(t)
	root := f.addNode(rootID, "203.0.113.1:9993", world, nil)
	a := f.addNode(aID, "198.51.100.1:9993", world, nil)

	// Exchange once, then cut the wire and let everything expire.
	f.now += pingCheckInterval + 1
	a.node.ProcessBackgroundTasks(f.now)
	if root.node.topo.GetPeer(aID.Address()) == nil {
		t.Fatalf("root never heard A")
	}

	f.block = func(to types.InetAddress) bool { return true }

	var lastDeadline int64
	for i := 0; i < 200; i++ {
		f.now += 60000
		rc, deadline := a.node.ProcessBackgroundTasks(f.now)
		if rc != ResultOK {
			t.Fatalf("tick: %v", rc)
		}
		if deadline <= f.now {
			t.Fatalf("deadline not in the future")
		}
		lastDeadline = deadline
		root.node.ProcessBackgroundTasks(f.now)
	}
	_ = lastDeadline

	// A went offline once the root stopped answering.
	if a.node.Online() {
		t.Fatalf("A still online with a dead wire")
	}

	// The root evicted the idle leaf; bounded state everywhere.
	if root.node.topo.GetPeer(aID.Address()) != nil {
		t.Fatalf("idle peer not evicted")
	}
	if root.node.topo.PeerCount() != 0 {
		t.Fatalf("root peer directory not empty: %d", root.node.topo.PeerCount())
	}
	if a.node.mc.GroupCount() != 0 {
		t.Fatalf("multicast groups leaked")
	}
	if a.node.sw.QueuedRxCount() != 0 {
		t.Fatalf("rx queue leaked")
	}

	// Offline event was emitted exactly once for the transition.
	a.mu.Lock()
	offline := 0
	for _, e := range a.events {
		if e == EventOffline {
			offline++
		}
	}
	a.mu.Unlock()
	if offline != 1 {
		t.Fatalf("offline events: %d", offline)
	}
}

func mustPublic(t *testing.T, id *identity.Identity) *identity.Identity {
	t.Helper()
	pub, err := identity.NewFromString(id.String())
	if err != nil {
		t.Fatalf("public identity: %v", err)
	}
	return pub
}
