package vswitch

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/packet"
	"github.com/NAStools/zerotierone/src/peers"
	"github.com/NAStools/zerotierone/src/types"
)

// Queue limits and timing, milliseconds where applicable.
const (
	maxQueuedRx       = 32
	maxQueuedTx       = 32
	queuedPacketTTL   = 5000
	whoisRetryDelay   = 500
	uniteMinInterval  = 30000
	defaultWireSendTTL = 0
)

type queuedRx struct {
	pkt      *packet.Packet
	local    types.InetAddress
	remote   types.InetAddress
	received int64
}

type queuedTx struct {
	pkt     *packet.Packet
	encrypt bool
	queued  int64
}

type unitePair struct {
	a, b types.Address
}

func makeUnitePair(x, y types.Address) unitePair {
	if x < y {
		return unitePair{x, y}
	}
	return unitePair{y, x}
}

// Switch is the virtual Ethernet switch core: wire packets come in one
// side, tap frames come in the other, and it routes, relays, queues
// and resolves until each reaches the right place.
type Switch struct {
	re     *RuntimeEnvironment
	logger *logrus.Entry

	defrag   *packet.Defragmenter
	contacts *peers.ContactQueue

	mu               sync.Mutex
	rxQueue          []queuedRx                // inbound, sender identity unknown
	txQueue          map[types.Address][]queuedTx // outbound, destination identity unknown
	whoisOutstanding map[types.Address]int64
	lastUnite        map[unitePair]int64
}

// NewSwitch creates a switch bound to its runtime environment.
func NewSwitch(re *RuntimeEnvironment) *Switch {
	return &Switch{
		re:               re,
		logger:           re.Logger.WithField("component", "switch"),
		defrag:           packet.NewDefragmenter(),
		contacts:         peers.NewContactQueue(),
		txQueue:          make(map[types.Address][]queuedTx),
		whoisOutstanding: make(map[types.Address]int64),
		lastUnite:        make(map[unitePair]int64),
	}
}

// OnWirePacket ingests raw bytes received from a physical socket.
func (sw *Switch) OnWirePacket(local, remote types.InetAddress, data []byte, now int64) {
	if sw.re.PathCheck != nil && !sw.re.PathCheck(local, remote) {
		return
	}

	if packet.IsFragment(data) {
		frag, err := packet.NewFragmentFromWire(data)
		if err != nil {
			return
		}
		if frag.Destination() != sw.re.Identity.Address() {
			sw.relayFragment(frag, now)
			return
		}
		if assembled := sw.defrag.AddFragment(frag, now); assembled != nil {
			sw.processPacket(assembled, local, remote, now)
		}
		return
	}

	p, err := packet.NewFromWire(data)
	if err != nil {
		return
	}
	if !p.Source().Valid() || p.Source() == sw.re.Identity.Address() {
		return
	}

	if p.Destination() != sw.re.Identity.Address() {
		sw.relayPacket(p, now)
		return
	}

	if p.Fragmented() {
		if assembled := sw.defrag.AddHead(p, now); assembled != nil {
			sw.processPacket(assembled, local, remote, now)
		}
		return
	}
	sw.processPacket(p, local, remote, now)
}

// relayPacket forwards a packet not addressed to us, if we have an
// active direct path to its destination. Seeing both sides gives us
// the standing to broker a direct connection between them.
func (sw *Switch) relayPacket(p *packet.Packet, now int64) {
	if !p.IncrementHops() {
		return
	}
	dest := sw.re.Topology.GetPeer(p.Destination())
	if dest == nil {
		return
	}
	if !dest.Send(func(l, r types.InetAddress, data []byte) bool {
		return sw.re.WireSend(l, r, data, defaultWireSendTTL)
	}, p.Bytes(), now) {
		return
	}
	sw.unite(p.Source(), p.Destination(), now)
}

func (sw *Switch) relayFragment(f *packet.Fragment, now int64) {
	if !f.IncrementHops() {
		return
	}
	dest := sw.re.Topology.GetPeer(f.Destination())
	if dest == nil {
		return
	}
	dest.Send(func(l, r types.InetAddress, data []byte) bool {
		return sw.re.WireSend(l, r, data, defaultWireSendTTL)
	}, f.Bytes(), now)
}

// processPacket authenticates a fully reassembled packet and hands it
// to the verb dispatcher. Packets from unknown senders are parked and
// a WHOIS goes out; HELLO is the exception since it carries the
// identity itself.
func (sw *Switch) processPacket(p *packet.Packet, local, remote types.InetAddress, now int64) {
	source := p.Source()

	peer := sw.re.Topology.GetPeer(source)
	if peer == nil {
		if p.CipherSuite() == packet.CipherPoly1305None {
			// Peek: an unencrypted packet's verb is readable, and a
			// HELLO authenticates itself.
			if p.Verb() == packet.VerbHello {
				sw.handleHelloFromStranger(p, local, remote, now)
				return
			}
		}
		sw.enqueueRx(p, local, remote, now)
		sw.requestWhois(source, now)
		return
	}

	if err := p.Dearmor(peer.Key()); err != nil {
		sw.logger.WithFields(logrus.Fields{
			"source": source,
			"remote": remote,
		}).Debug("packet failed authentication")
		return
	}
	if !peer.MarkPacketReceived(p.PacketID()) {
		return
	}
	if err := p.Uncompress(); err != nil {
		return
	}

	peer.Received(local, remote, p.Hops(), now)
	sw.dispatch(peer, p, local, remote, now)
}

// SendPacket armors and transmits an outbound packet: directly over the
// peer's best path when it has any path (live or not, see
// Peer.BestPath), via the best root when it has none, or parked behind
// a WHOIS when the destination is entirely unknown. Fragments
// as needed. Implements multicast.Sender.
func (sw *Switch) SendPacket(p *packet.Packet, encrypt bool, now int64) bool {
	dest := p.Destination()
	if !dest.Valid() || dest == sw.re.Identity.Address() {
		return false
	}

	peer := sw.re.Topology.GetPeer(dest)
	if peer == nil {
		sw.enqueueTx(p, encrypt, now)
		sw.requestWhois(dest, now)
		return true
	}

	if path := peer.BestPath(now); path != nil {
		return sw.sendViaPath(p, peer, path, encrypt, now)
	}

	// No path at all: hand to the best root, which will relay and
	// eventually rendezvous us together.
	root := sw.re.Topology.BestRoot(now)
	if root == nil || root.Address() == dest {
		return false
	}
	rootPath := root.BestPath(now)
	if rootPath == nil {
		return false
	}
	return sw.sendViaPath(p, peer, rootPath, encrypt, now)
}

func (sw *Switch) sendViaPath(p *packet.Packet, peer *peers.Peer, path *peers.Path, encrypt bool, now int64) bool {
	mtu := packet.DefaultMTU

	// Trusted physical networks skip payload encryption.
	if tpid := sw.re.Topology.TrustedPathID(path.Local, path.Remote); tpid != 0 {
		path.TrustedPathID = tpid
		encrypt = false
	}

	if packet.WillFragment(p.Len(), mtu) {
		p.SetFragmented(true)
	}
	p.Armor(peer.Key(), encrypt)

	head, frags, err := packet.Split(p, mtu)
	if err != nil {
		sw.logger.WithError(err).Warn("packet could not be fragmented")
		return false
	}
	if !sw.re.WireSend(path.Local, path.Remote, head.Bytes(), defaultWireSendTTL) {
		return false
	}
	for _, f := range frags {
		sw.re.WireSend(path.Local, path.Remote, f.Bytes(), defaultWireSendTTL)
	}
	path.Sent(now)
	return true
}

func (sw *Switch) enqueueRx(p *packet.Packet, local, remote types.InetAddress, now int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.rxQueue) >= maxQueuedRx {
		sw.rxQueue = sw.rxQueue[1:]
	}
	sw.rxQueue = append(sw.rxQueue, queuedRx{p, local, remote, now})
}

func (sw *Switch) enqueueTx(p *packet.Packet, encrypt bool, now int64) {
	dest := p.Destination()
	sw.mu.Lock()
	defer sw.mu.Unlock()
	q := sw.txQueue[dest]
	if len(q) >= maxQueuedTx {
		q = q[1:]
	}
	sw.txQueue[dest] = append(q, queuedTx{p, encrypt, now})
}

// requestWhois resolves an identity: first from the local peer cache,
// then by asking the best root, rate limited per address.
func (sw *Switch) requestWhois(addr types.Address, now int64) {
	if sw.re.ResolveCached != nil {
		if id := sw.re.ResolveCached(addr); id != nil {
			if peer, err := sw.re.Topology.AddVerifiedIdentity(id, now); err == nil {
				sw.identityLearned(peer, now)
				return
			}
		}
	}

	sw.mu.Lock()
	last, pending := sw.whoisOutstanding[addr]
	if pending && now-last < whoisRetryDelay {
		sw.mu.Unlock()
		return
	}
	sw.whoisOutstanding[addr] = now
	sw.mu.Unlock()

	root := sw.re.Topology.BestRoot(now)
	if root == nil {
		return
	}
	p := packet.New(root.Address(), sw.re.Identity.Address(), packet.VerbWhois)
	addr.AppendTo(p.Buffer)
	root.ExpectReplyTo(p.PacketID(), byte(packet.VerbWhois), now)
	if path := root.BestPath(now); path != nil {
		sw.sendViaPath(p, root, path, true, now)
	}
}

// identityLearned drains queued work for a freshly resolved address.
func (sw *Switch) identityLearned(peer *peers.Peer, now int64) {
	addr := peer.Address()

	sw.mu.Lock()
	delete(sw.whoisOutstanding, addr)

	var rx []queuedRx
	keptRx := sw.rxQueue[:0]
	for _, q := range sw.rxQueue {
		if q.pkt.Source() == addr {
			rx = append(rx, q)
		} else {
			keptRx = append(keptRx, q)
		}
	}
	sw.rxQueue = keptRx

	tx := sw.txQueue[addr]
	delete(sw.txQueue, addr)
	sw.mu.Unlock()

	for _, q := range rx {
		sw.processPacket(q.pkt, q.local, q.remote, now)
	}
	for _, q := range tx {
		sw.SendPacket(q.pkt, q.encrypt, now)
	}
}

// unite brokers a direct connection between two peers we are relaying
// for, by telling each the other's external endpoint. Rate limited per
// pair, and only for pairs sharing a network with us.
func (sw *Switch) unite(a, b types.Address, now int64) {
	if !a.Valid() || !b.Valid() || a == b {
		return
	}
	if sw.re.SpansCommonNetwork != nil && !sw.re.SpansCommonNetwork(a, b) {
		return
	}

	pair := makeUnitePair(a, b)
	sw.mu.Lock()
	if now-sw.lastUnite[pair] < uniteMinInterval {
		sw.mu.Unlock()
		return
	}
	sw.lastUnite[pair] = now
	sw.mu.Unlock()

	peerA := sw.re.Topology.GetPeer(a)
	peerB := sw.re.Topology.GetPeer(b)
	if peerA == nil || peerB == nil {
		return
	}
	pathA := peerA.BestPath(now)
	pathB := peerB.BestPath(now)
	if pathA == nil || pathB == nil {
		return
	}

	sw.logger.WithFields(logrus.Fields{
		"a": a, "b": b,
	}).Debug("uniting peers behind rendezvous")

	sw.sendRendezvous(peerA, b, pathB.Remote, now)
	sw.sendRendezvous(peerB, a, pathA.Remote, now)
}

// Clean expires queued packets, stale WHOIS state, old unite stamps,
// incomplete reassembly and long-finished contacts. Due probes are
// fired by DrainContacts, not here.
func (sw *Switch) Clean(now int64) {
	sw.defrag.Clean(now)
	sw.contacts.Clean(now)

	sw.mu.Lock()
	keptRx := sw.rxQueue[:0]
	for _, q := range sw.rxQueue {
		if now-q.received < queuedPacketTTL {
			keptRx = append(keptRx, q)
		}
	}
	sw.rxQueue = keptRx

	for addr, q := range sw.txQueue {
		kept := q[:0]
		for _, t := range q {
			if now-t.queued < queuedPacketTTL {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(sw.txQueue, addr)
		} else {
			sw.txQueue[addr] = kept
		}
	}

	for addr, at := range sw.whoisOutstanding {
		if now-at > queuedPacketTTL {
			delete(sw.whoisOutstanding, addr)
		}
	}
	for pair, at := range sw.lastUnite {
		if now-at > uniteMinInterval*4 {
			delete(sw.lastUnite, pair)
		}
	}
	sw.mu.Unlock()
}

// DrainContacts fires due rendezvous probes: a HELLO straight at each
// hinted endpoint.
func (sw *Switch) DrainContacts(now int64) {
	for _, c := range sw.contacts.Due(now) {
		if peer := sw.re.Topology.GetPeer(c.Peer); peer != nil {
			sw.SendHello(peer, types.InetAddress{}, c.Endpoint, now)
		}
	}
}

// PendingContacts returns the number of rendezvous probe sequences in
// flight; while nonzero, the background tick should run fine-grained.
func (sw *Switch) PendingContacts() int {
	return sw.contacts.Len()
}

// QueuedRxCount returns the number of parked inbound packets.
func (sw *Switch) QueuedRxCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.rxQueue)
}
