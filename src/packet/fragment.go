package packet

import (
	"errors"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/types"
)

// Fragment wire layout, 16-byte header:
//
//	 0..8   packet ID of the packet this fragment belongs to
//	 8..13  destination address (so relays can forward fragments)
//	13      0xff marker (never a valid source address first byte)
//	14      total fragments (high nibble) | fragment number (low nibble)
//	15      hop count
//	16..    fragment payload
const (
	FragmentHeaderLength = 16
	fragIdxPacketID      = 0
	fragIdxDestination   = 8
	fragIdxMarker        = 13
	fragIdxCounts        = 14
	fragIdxHops          = 15

	FragmentMarker = 0xff

	// MaxFragments is bounded by the 4-bit total-fragments field.
	MaxFragments = 15
)

var (
	ErrNotFragment    = errors.New("not a fragment")
	ErrTooManyFragments = errors.New("packet would exceed the fragment limit")
)

// Fragment is a non-head piece of an oversized packet.
type Fragment struct {
	*common.Buffer
}

// IsFragment reports whether raw wire bytes are a fragment rather than
// a packet head, by the 0xff marker at the source-address offset.
func IsFragment(data []byte) bool {
	return len(data) >= FragmentHeaderLength && data[fragIdxMarker] == FragmentMarker
}

// NewFragmentFromWire wraps received fragment bytes.
func NewFragmentFromWire(data []byte) (*Fragment, error) {
	if !IsFragment(data) {
		return nil, ErrNotFragment
	}
	b, err := common.NewBufferFrom(data, MaxLength)
	if err != nil {
		return nil, err
	}
	return &Fragment{b}, nil
}

func newFragment(packetID uint64, dest types.Address, fragNo, totalFragments int, payload []byte) (*Fragment, error) {
	b := common.NewBuffer(MaxLength)
	if err := b.AppendUint64(packetID); err != nil {
		return nil, err
	}
	dest.AppendTo(b)
	b.AppendByte(FragmentMarker)
	b.AppendByte(byte(totalFragments<<4) | byte(fragNo&0x0f))
	b.AppendByte(0)
	if err := b.Append(payload); err != nil {
		return nil, err
	}
	return &Fragment{b}, nil
}

// PacketID returns the owning packet's ID.
func (f *Fragment) PacketID() uint64 {
	v, _ := f.Uint64At(fragIdxPacketID)
	return v
}

// Destination returns the destination address.
func (f *Fragment) Destination() types.Address {
	b, _ := f.Field(fragIdxDestination, types.AddressLength)
	a, _ := types.NewAddressFromBytes(b)
	return a
}

// FragmentNumber returns this fragment's index (1-based relative to the
// packet head, which is fragment 0).
func (f *Fragment) FragmentNumber() int {
	v, _ := f.ByteAt(fragIdxCounts)
	return int(v & 0x0f)
}

// TotalFragments returns the total number of pieces including the head.
func (f *Fragment) TotalFragments() int {
	v, _ := f.ByteAt(fragIdxCounts)
	return int(v >> 4)
}

// Hops returns the fragment hop count.
func (f *Fragment) Hops() int {
	v, _ := f.ByteAt(fragIdxHops)
	return int(v & 0x07)
}

// IncrementHops bumps the hop count, false once MaxHops is exceeded.
func (f *Fragment) IncrementHops() bool {
	v, _ := f.ByteAt(fragIdxHops)
	h := int(v&0x07) + 1
	if h > MaxHops {
		return false
	}
	f.SetAt(fragIdxHops, []byte{(v &^ 0x07) | byte(h)})
	return true
}

// Payload returns the fragment contents.
func (f *Fragment) Payload() []byte {
	b, err := f.Field(FragmentHeaderLength, f.Len()-FragmentHeaderLength)
	if err != nil {
		return nil
	}
	return b
}

// WillFragment reports whether a packet of length n needs fragmenting
// at the given MTU. The sender must set the fragmented flag before
// armoring: the flag is part of the authenticated key mangling, and the
// receiver dearmors the reassembled packet with the flag still set.
func WillFragment(n, mtu int) bool { return n > mtu }

// Split breaks an armored packet longer than mtu into a head packet
// (truncated to mtu) and trailing fragments. The packet must have had
// its fragmented flag set before Armor. Returns the head and fragments
// to send in order.
func Split(p *Packet, mtu int) (*Packet, []*Fragment, error) {
	if mtu <= FragmentHeaderLength || mtu <= HeaderLength {
		return nil, nil, errors.New("mtu too small")
	}
	if p.Len() <= mtu {
		return p, nil, nil
	}

	chunk := mtu - FragmentHeaderLength
	remaining := p.Len() - mtu
	trailing := (remaining + chunk - 1) / chunk
	total := trailing + 1
	if total > MaxFragments {
		return nil, nil, ErrTooManyFragments
	}

	raw := p.Bytes()
	head, err := NewFromWire(raw[:mtu])
	if err != nil {
		return nil, nil, err
	}

	frags := make([]*Fragment, 0, trailing)
	at := mtu
	for i := 1; i <= trailing; i++ {
		end := at + chunk
		if end > len(raw) {
			end = len(raw)
		}
		f, err := newFragment(p.PacketID(), p.Destination(), i, total, raw[at:end])
		if err != nil {
			return nil, nil, err
		}
		frags = append(frags, f)
		at = end
	}
	return head, frags, nil
}
