package node

import (
	"sync"

	"github.com/NAStools/zerotierone/src/types"
)

type deferredPacket struct {
	local  types.InetAddress
	remote types.InetAddress
	data   []byte
	now    int64
}

// deferredPool moves packet decryption and dispatch off the I/O
// threads. The queue is bounded; when it backs up, the caller
// processes the packet inline rather than dropping it. With zero
// workers the pool is inert and everything runs on the calling
// thread.
type deferredPool struct {
	n  *Node
	ch chan deferredPacket

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func newDeferredPool(n *Node, workers, queueSize int) *deferredPool {
	p := &deferredPool{n: n, done: make(chan struct{})}
	if workers <= 0 {
		return p
	}
	p.ch = make(chan deferredPacket, queueSize)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *deferredPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case pkt := <-p.ch:
			p.n.sw.OnWirePacket(pkt.local, pkt.remote, pkt.data, pkt.now)
		case <-p.done:
			return
		}
	}
}

// enqueue hands a packet to the workers, returning false when the
// caller should process it inline (workers disabled or queue full).
// The data is copied: the caller's buffer may be reused immediately.
func (p *deferredPool) enqueue(local, remote types.InetAddress, data []byte, now int64) bool {
	if p.ch == nil {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.ch <- deferredPacket{local, remote, buf, now}:
		return true
	default:
		return false
	}
}

func (p *deferredPool) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}
