package peers

import (
	"sync"

	"github.com/NAStools/zerotierone/src/types"
)

// Rendezvous probe schedule: a HELLO immediately, then after 500 ms,
// 1 s and 2 s. If none is answered the contact is abandoned.
var contactProbeDelays = [...]int64{0, 500, 1000, 2000}

const maxContacts = 256

// Contact is a pending NAT-traversal attempt toward a hinted endpoint.
type Contact struct {
	Peer     types.Address
	Endpoint types.InetAddress

	created  int64
	attempts int
	nextAt   int64
}

// ContactQueue schedules the probe sequence that follows a RENDEZVOUS
// hint. The background tick drains due probes; each due entry means
// "send a HELLO to this endpoint now".
type ContactQueue struct {
	mu       sync.Mutex
	contacts []*Contact
}

// NewContactQueue creates an empty queue.
func NewContactQueue() *ContactQueue {
	return &ContactQueue{}
}

// Add schedules probing of an endpoint. A duplicate (peer, endpoint)
// restarts its schedule. When full, the oldest contact is dropped.
func (q *ContactQueue) Add(peer types.Address, endpoint types.InetAddress, now int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.contacts {
		if c.Peer == peer && c.Endpoint.AddrPort == endpoint.AddrPort {
			c.created = now
			c.attempts = 0
			c.nextAt = now
			return
		}
	}

	if len(q.contacts) >= maxContacts {
		oldest := 0
		for i, c := range q.contacts {
			if c.created < q.contacts[oldest].created {
				oldest = i
			}
		}
		q.contacts = append(q.contacts[:oldest], q.contacts[oldest+1:]...)
	}

	q.contacts = append(q.contacts, &Contact{
		Peer:     peer,
		Endpoint: endpoint,
		created:  now,
		nextAt:   now,
	})
}

// Due returns every contact whose next probe is due, advancing each
// one's schedule. Contacts that have exhausted their probes are
// removed.
func (q *ContactQueue) Due(now int64) []Contact {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Contact
	kept := q.contacts[:0]
	for _, c := range q.contacts {
		if now >= c.nextAt && c.attempts < len(contactProbeDelays) {
			due = append(due, *c)
			c.attempts++
			if c.attempts < len(contactProbeDelays) {
				c.nextAt = c.created + contactProbeDelays[c.attempts]
				kept = append(kept, c)
			}
			continue
		}
		if c.attempts < len(contactProbeDelays) {
			kept = append(kept, c)
		}
	}
	q.contacts = kept
	return due
}

// Remove drops all contacts for a peer, e.g. once a direct path is
// confirmed.
func (q *ContactQueue) Remove(peer types.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.contacts[:0]
	for _, c := range q.contacts {
		if c.Peer != peer {
			kept = append(kept, c)
		}
	}
	q.contacts = kept
}

// Len returns the number of pending contacts.
func (q *ContactQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.contacts)
}

// Clean drops contacts that have been pending far beyond their final
// probe.
func (q *ContactQueue) Clean(now int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.contacts[:0]
	for _, c := range q.contacts {
		if now-c.created < 60000 {
			kept = append(kept, c)
		}
	}
	q.contacts = kept
}
