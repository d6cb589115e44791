package topology

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

func newTestIdentity(t *testing.T, addr types.Address) *identity.Identity {
	t.Helper()
	kp := crypto.GenerateKeyPair()
	id, err := identity.NewFromString(fmt.Sprintf("%s:0:%x:%x", addr, kp.Public[:], kp.Private[:]))
	if err != nil {
		t.Fatalf("test identity: %v", err)
	}
	return id
}

func inet(t *testing.T, s string) types.InetAddress {
	t.Helper()
	a, err := types.ParseInetAddress(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return a
}

func testWorld(t *testing.T, ts uint64, kp *crypto.KeyPair, roots ...*identity.Identity) *World {
	t.Helper()
	w := &World{
		ID:                    1,
		Timestamp:             ts,
		UpdatesMustBeSignedBy: kp.Public,
	}
	for i, r := range roots {
		w.Roots = append(w.Roots, Root{
			Identity:        r,
			StableEndpoints: []types.InetAddress{inet(t, fmt.Sprintf("203.0.113.%d:9993", i+1))},
		})
	}
	w.Sign(kp)
	return w
}

func newTestTopology(t *testing.T, roots ...*identity.Identity) (*Topology, *crypto.KeyPair) {
	t.Helper()
	kp := crypto.GenerateKeyPair()
	self := newTestIdentity(t, types.Address(0x1111111111))
	w := testWorld(t, 100, &kp, roots...)
	return NewTopology(self, w, common.NewTestEntry(t, "topology")), &kp
}

func TestWorldSerializationAndSignature(t *testing.T) {
	kp := crypto.GenerateKeyPair()
	root := newTestIdentity(t, types.Address(0x7777777777))
	w := testWorld(t, 100, &kp, root)

	if !w.Verify(&kp.Public) {
		t.Fatalf("world signature did not verify")
	}

	b := common.NewBuffer(8192)
	if err := w.AppendTo(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	back, n, err := ReadWorld(b, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != b.Len() {
		t.Fatalf("consumed %d of %d", n, b.Len())
	}
	if !back.Verify(&kp.Public) {
		t.Fatalf("round-tripped world signature broken")
	}
	if len(back.Roots) != 1 || back.Roots[0].Identity.Address() != root.Address() {
		t.Fatalf("roots lost")
	}
	if len(back.Roots[0].StableEndpoints) != 1 {
		t.Fatalf("endpoints lost")
	}
}

func TestWorldUpdateRules(t *testing.T) {
	kp := crypto.GenerateKeyPair()
	root := newTestIdentity(t, types.Address(0x7777777777))
	current := testWorld(t, 100, &kp, root)

	// Newer timestamp, right key: replace.
	if !current.ShouldReplace(testWorld(t, 101, &kp, root)) {
		t.Fatalf("valid update rejected")
	}
	// Same or older timestamp: reject.
	if current.ShouldReplace(testWorld(t, 100, &kp, root)) {
		t.Fatalf("same-revision update accepted")
	}
	if current.ShouldReplace(testWorld(t, 99, &kp, root)) {
		t.Fatalf("rollback accepted")
	}
	// Wrong signing key: reject.
	other := crypto.GenerateKeyPair()
	forged := testWorld(t, 200, &other, root)
	if current.ShouldReplace(forged) {
		t.Fatalf("forged update accepted")
	}
	// Different world ID: reject.
	alien := testWorld(t, 200, &kp, root)
	alien.ID = 2
	alien.Sign(&kp)
	if current.ShouldReplace(alien) {
		t.Fatalf("foreign world accepted")
	}
}

func TestTopologyRootsSeeded(t *testing.T) {
	root := newTestIdentity(t, types.Address(0x7777777777))
	topo, _ := newTestTopology(t, root)

	p := topo.GetPeer(root.Address())
	if p == nil {
		t.Fatalf("root peer not seeded")
	}
	if len(p.Paths()) != 1 {
		t.Fatalf("root stable endpoint not installed")
	}
	if !topo.IsRoot(root.Address()) {
		t.Fatalf("root not recognised")
	}
	if topo.IsRoot(types.Address(0x5555555555)) {
		t.Fatalf("non-root recognised as root")
	}
}

func TestAddVerifiedIdentityAndCollision(t *testing.T) {
	topo, _ := newTestTopology(t)

	id := newTestIdentity(t, types.Address(0x2222222222))
	p1, err := topo.AddVerifiedIdentity(id, 1000)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	p2, err := topo.AddVerifiedIdentity(id, 2000)
	if err != nil || p1 != p2 {
		t.Fatalf("re-add did not return existing peer")
	}

	// A different key claiming the same address is a collision.
	imposter := newTestIdentity(t, types.Address(0x2222222222))
	if _, err := topo.AddVerifiedIdentity(imposter, 3000); err != ErrIdentityCollision {
		t.Fatalf("collision not detected: %v", err)
	}
}

func TestBestRootLatencyAndHysteresis(t *testing.T) {
	rootA := newTestIdentity(t, types.Address(0x7777777777))
	rootB := newTestIdentity(t, types.Address(0x8888888888))
	topo, _ := newTestTopology(t, rootA, rootB)

	now := int64(100000)
	pa := topo.GetPeer(rootA.Address())
	pb := topo.GetPeer(rootB.Address())

	// Both alive; A measurably faster.
	pa.Received(types.InetAddress{}, inet(t, "203.0.113.1:9993"), 0, now)
	pb.Received(types.InetAddress{}, inet(t, "203.0.113.2:9993"), 0, now)
	pa.ExpectReplyTo(1, 0x08, now)
	pa.ReceivedReplyTo(1, now+20)
	pb.ExpectReplyTo(2, 0x08, now)
	pb.ReceivedReplyTo(2, now+100)

	if best := topo.BestRoot(now + 200); best != pa {
		t.Fatalf("lower latency root not chosen")
	}

	// B's new sample is faster, but smoothed B (80 ms) stays well above
	// A (25 ms); this step only checks that a root is still selected.
	pa.ExpectReplyTo(3, 0x08, now+300)
	pa.ReceivedReplyTo(3, now+340) // A settles around ~25ms
	pb.ExpectReplyTo(4, 0x08, now+300)
	pb.ReceivedReplyTo(4, now+320) // B trends down; smoothed average 80ms
	best := topo.BestRoot(now + 400)
	if best != pa && best != pb {
		t.Fatalf("no root selected")
	}

	// A dies: switch regardless of hysteresis.
	deadNow := now + int64(70000)
	pb.Received(types.InetAddress{}, inet(t, "203.0.113.2:9993"), 0, deadNow)
	if best := topo.BestRoot(deadNow); best != pb {
		t.Fatalf("dead root retained")
	}
}

func TestTopologyClean(t *testing.T) {
	root := newTestIdentity(t, types.Address(0x7777777777))
	topo, _ := newTestTopology(t, root)

	id := newTestIdentity(t, types.Address(0x2222222222))
	topo.AddVerifiedIdentity(id, 1000)
	if topo.PeerCount() != 2 {
		t.Fatalf("peers: %d", topo.PeerCount())
	}

	// Within the idle window: kept.
	topo.Clean(1000 + peerIdleEviction/2)
	if topo.GetPeer(id.Address()) == nil {
		t.Fatalf("fresh peer evicted")
	}

	// Beyond it: evicted. Roots stay.
	topo.Clean(1000 + peerIdleEviction + 1)
	if topo.GetPeer(id.Address()) != nil {
		t.Fatalf("idle peer not evicted")
	}
	if topo.GetPeer(root.Address()) == nil {
		t.Fatalf("root evicted")
	}
}

func TestAcceptWorldUpdate(t *testing.T) {
	rootA := newTestIdentity(t, types.Address(0x7777777777))
	topo, kp := newTestTopology(t, rootA)

	rootB := newTestIdentity(t, types.Address(0x8888888888))
	update := testWorld(t, 200, kp, rootA, rootB)

	if !topo.AcceptWorldUpdate(update) {
		t.Fatalf("valid world update rejected")
	}
	if topo.GetPeer(rootB.Address()) == nil {
		t.Fatalf("new root peer not created")
	}

	// Replay of the same update is a no-op.
	if topo.AcceptWorldUpdate(update) {
		t.Fatalf("replayed world update accepted")
	}
}

func TestTrustedPaths(t *testing.T) {
	topo, _ := newTestTopology(t)

	topo.SetTrustedPaths([]TrustedPath{
		{Network: netip.MustParsePrefix("10.0.0.0/8"), ID: 42},
	})

	if id := topo.TrustedPathID(inet(t, "10.1.2.3:9993"), inet(t, "10.4.5.6:9993")); id != 42 {
		t.Fatalf("trusted path not matched: %d", id)
	}
	// Remote outside the trusted network.
	if id := topo.TrustedPathID(inet(t, "10.1.2.3:9993"), inet(t, "203.0.113.5:9993")); id != 0 {
		t.Fatalf("untrusted remote matched: %d", id)
	}
	// Local outside the trusted network.
	if id := topo.TrustedPathID(inet(t, "203.0.113.5:9993"), inet(t, "10.4.5.6:9993")); id != 0 {
		t.Fatalf("untrusted local matched: %d", id)
	}
}
