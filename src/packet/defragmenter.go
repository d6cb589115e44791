package packet

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Reassembly limits.
const (
	defragTableSize = 64
	defragTTL       = 500 // ms
)

type defragEntry struct {
	packetID  uint64
	arrivedAt int64
	head      *Packet
	frags     [MaxFragments][]byte
	total     int
	have      *bitset.BitSet
	inUse     bool
}

func (e *defragEntry) complete() bool {
	if e.head == nil || e.total == 0 {
		return false
	}
	// Head is fragment 0; trailing fragments are 1..total-1.
	for i := 1; i < e.total; i++ {
		if !e.have.Test(uint(i)) {
			return false
		}
	}
	return true
}

// Defragmenter reassembles fragmented packets. It is a fixed-size ring
// keyed by packet ID: inserting into a full table evicts the oldest
// incomplete entry, and entries expire after 500 ms whether or not all
// pieces arrived. Completion is atomic: the assembled packet is handed
// back exactly once.
type Defragmenter struct {
	mu      sync.Mutex
	entries [defragTableSize]defragEntry
}

// NewDefragmenter creates an empty reassembly table.
func NewDefragmenter() *Defragmenter {
	d := &Defragmenter{}
	for i := range d.entries {
		d.entries[i].have = bitset.New(MaxFragments)
	}
	return d
}

func (d *Defragmenter) slotFor(packetID uint64, now int64) *defragEntry {
	var free, oldest *defragEntry
	for i := range d.entries {
		e := &d.entries[i]
		if e.inUse {
			if e.packetID == packetID {
				return e
			}
			if oldest == nil || e.arrivedAt < oldest.arrivedAt {
				oldest = e
			}
		} else if free == nil {
			free = e
		}
	}
	slot := free
	if slot == nil {
		slot = oldest
	}
	slot.reset(packetID, now)
	return slot
}

func (e *defragEntry) reset(packetID uint64, now int64) {
	e.packetID = packetID
	e.arrivedAt = now
	e.head = nil
	for i := range e.frags {
		e.frags[i] = nil
	}
	e.total = 0
	e.have.ClearAll()
	e.inUse = true
}

func (d *Defragmenter) finish(e *defragEntry) *Packet {
	assembled := e.head
	for i := 1; i < e.total; i++ {
		if err := assembled.Append(e.frags[i]); err != nil {
			e.inUse = false
			return nil
		}
	}
	// The fragmented flag stays set: it was part of the sender's
	// authenticated key mangling.
	e.inUse = false
	return assembled
}

// AddHead offers the head (fragment 0) of a fragmented packet. Returns
// the assembled packet once every piece has arrived, else nil.
func (d *Defragmenter) AddHead(p *Packet, now int64) *Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.slotFor(p.PacketID(), now)
	e.head = p
	if e.complete() {
		return d.finish(e)
	}
	return nil
}

// AddFragment offers a trailing fragment. Duplicate fragments are
// idempotent. Returns the assembled packet once complete, else nil.
func (d *Defragmenter) AddFragment(f *Fragment, now int64) *Packet {
	no := f.FragmentNumber()
	total := f.TotalFragments()
	if no < 1 || no >= MaxFragments || total < 2 || total > MaxFragments || no >= total {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.slotFor(f.PacketID(), now)
	e.total = total
	if !e.have.Test(uint(no)) {
		payload := make([]byte, len(f.Payload()))
		copy(payload, f.Payload())
		e.frags[no] = payload
		e.have.Set(uint(no))
	}
	if e.complete() {
		return d.finish(e)
	}
	return nil
}

// Clean expires entries older than the reassembly TTL.
func (d *Defragmenter) Clean(now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		e := &d.entries[i]
		if e.inUse && now-e.arrivedAt > defragTTL {
			e.inUse = false
		}
	}
}

// Pending returns the number of in-flight reassembly entries.
func (d *Defragmenter) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range d.entries {
		if d.entries[i].inUse {
			n++
		}
	}
	return n
}
