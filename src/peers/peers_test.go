package peers

import (
	"fmt"
	"testing"

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

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	self := newTestIdentity(t, types.Address(0x1111111111))
	them := newTestIdentity(t, types.Address(0x2222222222))
	p, err := NewPeer(self, them)
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	return p
}

func addr(t *testing.T, s string) types.InetAddress {
	t.Helper()
	a, err := types.ParseInetAddress(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return a
}

func TestPathLearning(t *testing.T) {
	p := newTestPeer(t)
	local := addr(t, "192.168.1.10:9993")
	remote := addr(t, "203.0.113.5:9993")

	p.Received(local, remote, 0, 1000)
	paths := p.Paths()
	if len(paths) != 1 {
		t.Fatalf("paths: %d", len(paths))
	}
	if !paths[0].Active(1500) {
		t.Fatalf("fresh path inactive")
	}

	// Same tuple again refreshes, does not duplicate.
	p.Received(local, remote, 0, 2000)
	if len(p.Paths()) != 1 {
		t.Fatalf("duplicate path learned")
	}

	// Relayed packets (hops > 0) never teach paths.
	p.Received(local, addr(t, "198.51.100.7:9993"), 3, 2500)
	if len(p.Paths()) != 1 {
		t.Fatalf("relayed packet taught a path")
	}
}

func TestPathCap(t *testing.T) {
	p := newTestPeer(t)
	local := addr(t, "192.168.1.10:9993")

	for i := 0; i < MaxPathsPerPeer; i++ {
		p.Received(local, addr(t, fmt.Sprintf("203.0.113.%d:9993", i+1)), 0, 1000)
	}
	if len(p.Paths()) != MaxPathsPerPeer {
		t.Fatalf("paths: %d", len(p.Paths()))
	}

	// All four still active: a fifth is not admitted.
	p.Received(local, addr(t, "203.0.113.99:9993"), 0, 1001)
	if len(p.Paths()) != MaxPathsPerPeer {
		t.Fatalf("cap exceeded")
	}
	for _, path := range p.Paths() {
		if path.Remote.AddrPort == addr(t, "203.0.113.99:9993").AddrPort {
			t.Fatalf("active path displaced")
		}
	}

	// Once the old paths lapse, a new receive replaces one.
	later := int64(1000 + PathLivenessWindow + 1)
	p.Received(local, addr(t, "203.0.113.99:9993"), 0, later)
	found := false
	for _, path := range p.Paths() {
		if path.Remote.AddrPort == addr(t, "203.0.113.99:9993").AddrPort {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale path not replaced")
	}
}

func TestBestPathPrefersConfirmedAndScope(t *testing.T) {
	p := newTestPeer(t)
	local := addr(t, "192.168.1.10:9993")
	global := addr(t, "203.0.113.5:9993")
	private := addr(t, "10.1.2.3:9993")

	// Both received (confirmed); private scope must win.
	p.Received(local, global, 0, 1000)
	p.Received(local, private, 0, 1000)

	best := p.BestPath(1500)
	if best == nil || best.Remote.AddrPort != private.AddrPort {
		t.Fatalf("best path did not prefer private scope")
	}

	// An unconfirmed path (sent to, never received on) loses to any
	// confirmed one.
	spec := p.AddPath(local, addr(t, "10.9.9.9:9993"))
	spec.Sent(1600)
	best = p.BestPath(1700)
	if best.Remote.AddrPort != private.AddrPort {
		t.Fatalf("unconfirmed path selected over confirmed")
	}

	// With no confirmed active path, fall back to newest sent-to.
	q := newTestPeer(t)
	a := q.AddPath(local, addr(t, "203.0.113.1:9993"))
	b := q.AddPath(local, addr(t, "203.0.113.2:9993"))
	a.Sent(1000)
	b.Sent(2000)
	if best := q.BestPath(2100); best != b {
		t.Fatalf("fallback did not pick newest sent-to path")
	}
}

func TestReplayWindow(t *testing.T) {
	p := newTestPeer(t)

	if !p.MarkPacketReceived(42) {
		t.Fatalf("first sighting reported as replay")
	}
	if p.MarkPacketReceived(42) {
		t.Fatalf("replay not detected")
	}

	// The window is a ring: old IDs eventually fall out.
	for i := uint64(100); i < 100+replayWindowSize; i++ {
		p.MarkPacketReceived(i)
	}
	if !p.MarkPacketReceived(42) {
		t.Fatalf("evicted ID still counted as replay")
	}
}

func TestExpectedRepliesAndLatency(t *testing.T) {
	p := newTestPeer(t)

	p.ExpectReplyTo(7, 0x08, 1000)
	ok, verb := p.ReceivedReplyTo(7, 1040)
	if !ok || verb != 0x08 {
		t.Fatalf("expected reply not matched: %v %x", ok, verb)
	}
	if p.Latency() != 40 {
		t.Fatalf("latency: %d", p.Latency())
	}

	// Same ID again: already consumed.
	if ok, _ := p.ReceivedReplyTo(7, 1050); ok {
		t.Fatalf("reply consumed twice")
	}
	// Unknown ID.
	if ok, _ := p.ReceivedReplyTo(99, 1050); ok {
		t.Fatalf("unsolicited reply accepted")
	}

	// Latency smooths rather than jumps.
	p.ExpectReplyTo(8, 0x08, 2000)
	p.ReceivedReplyTo(8, 2200)
	if p.Latency() <= 40 || p.Latency() >= 200 {
		t.Fatalf("latency not smoothed: %d", p.Latency())
	}
}

func TestPeerSendUsesBestPath(t *testing.T) {
	p := newTestPeer(t)
	local := addr(t, "192.168.1.10:9993")
	remote := addr(t, "203.0.113.5:9993")
	p.Received(local, remote, 0, 1000)

	var sentTo types.InetAddress
	ok := p.Send(func(l, r types.InetAddress, data []byte) bool {
		sentTo = r
		return true
	}, []byte("x"), 1100)
	if !ok || sentTo.AddrPort != remote.AddrPort {
		t.Fatalf("send did not use best path")
	}

	// No paths at all: send fails.
	q := newTestPeer(t)
	if q.Send(func(l, r types.InetAddress, data []byte) bool { return true }, []byte("x"), 1100) {
		t.Fatalf("send succeeded with no path")
	}
}

func TestContactQueueSchedule(t *testing.T) {
	q := NewContactQueue()
	peer := types.Address(0x2222222222)
	ep := addr(t, "203.0.113.5:9993")

	q.Add(peer, ep, 1000)

	// Probe schedule: 0, +500, +1000, +2000, then abandoned.
	due := q.Due(1000)
	if len(due) != 1 {
		t.Fatalf("immediate probe missing")
	}
	if due := q.Due(1100); len(due) != 0 {
		t.Fatalf("early probe fired: %d", len(due))
	}
	if due := q.Due(1500); len(due) != 1 {
		t.Fatalf("+500ms probe missing")
	}
	if due := q.Due(2000); len(due) != 1 {
		t.Fatalf("+1s probe missing")
	}
	if due := q.Due(3000); len(due) != 1 {
		t.Fatalf("+2s probe missing")
	}
	if due := q.Due(10000); len(due) != 0 {
		t.Fatalf("probe after abandonment")
	}
	if q.Len() != 0 {
		t.Fatalf("abandoned contact still queued")
	}
}

func TestContactQueueBounded(t *testing.T) {
	q := NewContactQueue()
	ep := addr(t, "203.0.113.5:9993")
	for i := 0; i < maxContacts+10; i++ {
		q.Add(types.Address(uint64(i)+1), ep, int64(i))
	}
	if q.Len() > maxContacts {
		t.Fatalf("queue exceeded cap: %d", q.Len())
	}
}

func TestContactQueueRemove(t *testing.T) {
	q := NewContactQueue()
	peer := types.Address(0x2222222222)
	q.Add(peer, addr(t, "203.0.113.5:9993"), 1000)
	q.Remove(peer)
	if q.Len() != 0 {
		t.Fatalf("remove did not drain")
	}
}
