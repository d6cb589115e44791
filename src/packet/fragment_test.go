package packet

import (
	"bytes"
	"testing"

	"github.com/NAStools/zerotierone/src/crypto"
)

func makeBigPacket(t *testing.T, payloadLen int) (*Packet, [32]byte, []byte) {
	t.Helper()
	key := testKey()
	payload := make([]byte, payloadLen)
	crypto.SecureRandom(payload)

	p := New(testDest, testSrc, VerbFrame)
	if err := p.Append(payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	if WillFragment(p.Len(), DefaultMTU) {
		p.SetFragmented(true)
	}
	p.Armor(&key, true)
	return p, key, payload
}

func reassemble(t *testing.T, head *Packet, frags []*Fragment, skip int) *Packet {
	t.Helper()
	d := NewDefragmenter()
	now := int64(1000)

	var done *Packet
	if got := d.AddHead(head, now); got != nil {
		done = got
	}
	for i, f := range frags {
		if i == skip {
			continue
		}
		if got := d.AddFragment(f, now); got != nil {
			done = got
		}
	}
	return done
}

func TestSplitAndReassemble(t *testing.T) {
	for _, size := range []int{100, DefaultMTU, DefaultMTU + 1, 5000, MaxLength - HeaderLength - 64} {
		p, key, payload := makeBigPacket(t, size)
		wire := append([]byte(nil), p.Bytes()...)

		head, frags, err := Split(p, DefaultMTU)
		if err != nil {
			t.Fatalf("size %d: split: %v", size, err)
		}

		if len(frags) == 0 {
			if p.Len() > DefaultMTU {
				t.Fatalf("size %d: large packet not fragmented", size)
			}
			continue
		}
		if head.Len() > DefaultMTU {
			t.Fatalf("head exceeds mtu")
		}
		for _, f := range frags {
			if f.Len() > DefaultMTU {
				t.Fatalf("fragment exceeds mtu")
			}
			if !IsFragment(f.Bytes()) {
				t.Fatalf("fragment not recognised")
			}
		}
		if IsFragment(head.Bytes()) {
			t.Fatalf("head misdetected as fragment")
		}

		assembled := reassemble(t, head, frags, -1)
		if assembled == nil {
			t.Fatalf("size %d: no reassembly", size)
		}

		// The assembled packet must be byte-identical to what was sent.
		if !bytes.Equal(assembled.Bytes(), wire) {
			t.Fatalf("size %d: reassembled bytes differ", size)
		}

		if err := assembled.Dearmor(&key); err != nil {
			t.Fatalf("size %d: dearmor after reassembly: %v", size, err)
		}
		if !bytes.Equal(assembled.Payload(), payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestLostFragmentMeansNoDelivery(t *testing.T) {
	p, _, _ := makeBigPacket(t, 8000)
	head, frags, err := Split(p, DefaultMTU)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) < 3 {
		t.Fatalf("expected several fragments, got %d", len(frags))
	}

	if got := reassemble(t, head, frags, 2); got != nil {
		t.Fatalf("delivered despite lost fragment")
	}
}

func TestDuplicateFragmentsIdempotent(t *testing.T) {
	p, key, _ := makeBigPacket(t, 4000)
	head, frags, _ := Split(p, DefaultMTU)

	d := NewDefragmenter()
	now := int64(1)
	d.AddHead(head, now)

	var done *Packet
	for _, f := range frags {
		d.AddFragment(f, now) // first copy
	}
	// Table entry completed on the last AddFragment above; feed
	// duplicates of an incomplete set to check idempotence separately.
	p2, _, _ := makeBigPacket(t, 4000)
	head2, frags2, _ := Split(p2, DefaultMTU)
	d.AddHead(head2, now)
	for i := 0; i < len(frags2)-1; i++ {
		d.AddFragment(frags2[i], now)
		if got := d.AddFragment(frags2[i], now); got != nil {
			t.Fatalf("duplicate completed entry early")
		}
	}
	done = d.AddFragment(frags2[len(frags2)-1], now)
	if done == nil {
		t.Fatalf("no delivery after all fragments")
	}
	if err := done.Dearmor(&key); err == nil {
		// done is p2, armored under a different key; this must fail.
		t.Fatalf("unexpected dearmor success with wrong key")
	}
}

func TestReassemblyExpiry(t *testing.T) {
	p, _, _ := makeBigPacket(t, 4000)
	head, frags, _ := Split(p, DefaultMTU)

	d := NewDefragmenter()
	d.AddHead(head, 0)
	d.AddFragment(frags[0], 0)
	if d.Pending() != 1 {
		t.Fatalf("pending: %d", d.Pending())
	}

	d.Clean(defragTTL + 1)
	if d.Pending() != 0 {
		t.Fatalf("entry not expired")
	}

	// Late fragments after expiry must not complete the packet.
	for _, f := range frags {
		if got := d.AddFragment(f, defragTTL+2); got != nil {
			t.Fatalf("completed after expiry without head")
		}
	}
}

func TestTableEviction(t *testing.T) {
	d := NewDefragmenter()

	// Fill the table past capacity with incomplete entries; the table
	// must stay bounded and keep working.
	for i := 0; i < defragTableSize*2; i++ {
		p, _, _ := makeBigPacket(t, 3000)
		head, _, _ := Split(p, DefaultMTU)
		d.AddHead(head, int64(i))
	}
	if d.Pending() > defragTableSize {
		t.Fatalf("table exceeded capacity: %d", d.Pending())
	}

	p, _, _ := makeBigPacket(t, 3000)
	head, frags, _ := Split(p, DefaultMTU)
	d.AddHead(head, 200)
	var done *Packet
	for _, f := range frags {
		if got := d.AddFragment(f, 200); got != nil {
			done = got
		}
	}
	if done == nil {
		t.Fatalf("full table stopped accepting new packets")
	}
}
