package packet

import (
	"errors"

	"github.com/pierrec/lz4/v4"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/types"
)

// Wire constants. Header layout, offsets in bytes:
//
//	 0..8   packet ID (also the encryption nonce)
//	 8..13  destination address
//	13..18  source address
//	18      flags (cipher suite in bits 6-7, fragmented 0x20,
//	        encrypted 0x08, hop count in bits 0-2)
//	19..27  first 8 bytes of the Poly1305 MAC
//	27      verb (high bit = payload LZ4-compressed)
//	28..    payload
const (
	MaxLength  = 16384 // hard cap on any serialised packet
	DefaultMTU = 1444  // UDP payload size above which we fragment

	HeaderLength        = 28
	idxPacketID         = 0
	idxDestination      = 8
	idxSource           = 13
	idxFlags            = 18
	idxMAC              = 19
	idxVerb             = 27
	IdxPayload          = 28

	flagsHopsMask   = 0x07
	FlagEncrypted   = 0x08
	FlagFragmented  = 0x20
	flagsCipherMask = 0xc0

	verbCompressed = 0x80
	verbMask       = 0x1f

	// MaxHops bounds relaying; packets whose hop count would exceed it
	// are dropped rather than forwarded.
	MaxHops = 7
)

// Cipher suites, stored in flags bits 6-7.
const (
	CipherPoly1305None      = 0 // authenticated, payload in the clear (HELLO)
	CipherPoly1305Salsa2012 = 1 // authenticated and encrypted
)

var (
	ErrTooShort             = errors.New("packet too short")
	ErrAuthenticationFailed = errors.New("packet MAC check failed")
	ErrInvalidCipher        = errors.New("unknown cipher suite")
	ErrUncompressFailed     = errors.New("payload decompression failed")
)

// Packet is a VL1 wire packet. It embeds the fixed-capacity buffer that
// carries the serialised bytes; payload fields are appended through the
// Buffer API.
type Packet struct {
	*common.Buffer
}

// New creates a packet addressed from source to dest with the given
// verb and a fresh random packet ID. The payload is appended afterwards
// through the embedded buffer.
func New(dest, source types.Address, verb Verb) *Packet {
	p := &Packet{common.NewBuffer(MaxLength)}
	p.AppendUint64(crypto.RandomUint64())
	dest.AppendTo(p.Buffer)
	source.AppendTo(p.Buffer)
	p.AppendByte(0) // flags/cipher/hops
	p.Append(make([]byte, 8))
	p.AppendByte(byte(verb))
	return p
}

// NewFromWire wraps received bytes. Fails if shorter than a header.
func NewFromWire(data []byte) (*Packet, error) {
	if len(data) < HeaderLength {
		return nil, ErrTooShort
	}
	b, err := common.NewBufferFrom(data, MaxLength)
	if err != nil {
		return nil, err
	}
	return &Packet{b}, nil
}

// PacketID returns the packet's 64-bit ID, which doubles as the
// encryption nonce.
func (p *Packet) PacketID() uint64 {
	v, _ := p.Uint64At(idxPacketID)
	return v
}

// SetPacketID overwrites the packet ID.
func (p *Packet) SetPacketID(id uint64) {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (56 - 8*i))
	}
	p.SetAt(idxPacketID, b)
}

// Destination returns the destination address.
func (p *Packet) Destination() types.Address {
	f, _ := p.Field(idxDestination, types.AddressLength)
	a, _ := types.NewAddressFromBytes(f)
	return a
}

// Source returns the source address.
func (p *Packet) Source() types.Address {
	f, _ := p.Field(idxSource, types.AddressLength)
	a, _ := types.NewAddressFromBytes(f)
	return a
}

// Hops returns the current hop count.
func (p *Packet) Hops() int {
	f, _ := p.ByteAt(idxFlags)
	return int(f & flagsHopsMask)
}

// IncrementHops bumps the hop count, returning false once MaxHops would
// be exceeded. Hops live outside the MAC so relays can do this without
// the key.
func (p *Packet) IncrementHops() bool {
	f, _ := p.ByteAt(idxFlags)
	h := (f & flagsHopsMask) + 1
	if h > MaxHops {
		return false
	}
	p.SetAt(idxFlags, []byte{(f &^ flagsHopsMask) | h})
	return true
}

// CipherSuite returns the cipher suite bits.
func (p *Packet) CipherSuite() int {
	f, _ := p.ByteAt(idxFlags)
	return int(f&flagsCipherMask) >> 6
}

func (p *Packet) setCipherSuite(suite int) {
	f, _ := p.ByteAt(idxFlags)
	f = (f &^ flagsCipherMask) | byte(suite<<6)
	if suite == CipherPoly1305Salsa2012 {
		f |= FlagEncrypted
	} else {
		f &^= FlagEncrypted
	}
	p.SetAt(idxFlags, []byte{f})
}

// Fragmented reports the more-fragments flag on a packet head.
func (p *Packet) Fragmented() bool {
	f, _ := p.ByteAt(idxFlags)
	return f&FlagFragmented != 0
}

// SetFragmented sets or clears the more-fragments flag.
func (p *Packet) SetFragmented(frag bool) {
	f, _ := p.ByteAt(idxFlags)
	if frag {
		f |= FlagFragmented
	} else {
		f &^= FlagFragmented
	}
	p.SetAt(idxFlags, []byte{f})
}

// Verb returns the packet's verb, sans compression bit.
func (p *Packet) Verb() Verb {
	v, _ := p.ByteAt(idxVerb)
	return Verb(v & verbMask)
}

// Compressed reports whether the payload is LZ4-compressed.
func (p *Packet) Compressed() bool {
	v, _ := p.ByteAt(idxVerb)
	return v&verbCompressed != 0
}

// Payload returns everything past the verb byte.
func (p *Packet) Payload() []byte {
	f, err := p.Field(IdxPayload, p.Len()-IdxPayload)
	if err != nil {
		return nil
	}
	return f
}

// mangleKey folds the packet ID, addresses, masked flags and raw size
// into the session key, so each direction, packet and size selects a
// distinct keystream even though the long-term key is fixed.
func (p *Packet) mangleKey(key *[32]byte) [32]byte {
	var out [32]byte
	raw := p.Bytes()
	for i := 0; i < 18; i++ { // packet ID + destination + source
		out[i] = key[i] ^ raw[i]
	}
	out[18] = key[18] ^ (raw[idxFlags] & 0xf8) // hops are mutable in flight
	out[19] = key[19] ^ byte(p.Len())
	out[20] = key[20] ^ byte(p.Len()>>8)
	copy(out[21:], key[21:])
	return out
}

func (p *Packet) keystream(key *[32]byte) *crypto.Salsa20 {
	mangled := p.mangleKey(key)
	var nonce [8]byte
	copy(nonce[:], p.Bytes()[idxPacketID:idxPacketID+8])
	return crypto.New12(&mangled, &nonce)
}

// Armor readies the packet for the wire: sets the cipher suite,
// encrypts the payload if requested, and writes the truncated Poly1305
// MAC computed over everything past the MAC field. HELLO is sent with
// encrypt=false so version discovery works before key agreement.
func (p *Packet) Armor(key *[32]byte, encrypt bool) {
	if encrypt {
		p.setCipherSuite(CipherPoly1305Salsa2012)
	} else {
		p.setCipherSuite(CipherPoly1305None)
	}

	s20 := p.keystream(key)
	var macKey [32]byte
	s20.KeyStream(macKey[:])

	payload := p.Bytes()[idxVerb:]
	if encrypt {
		s20.XORKeyStream(payload, payload)
	}

	mac := crypto.OneTimeAuth(payload, &macKey)
	p.SetAt(idxMAC, mac[:])
}

// Dearmor authenticates and, if needed, decrypts a received packet.
// Returns ErrAuthenticationFailed on MAC mismatch, leaving the payload
// ciphertext untouched in that case.
func (p *Packet) Dearmor(key *[32]byte) error {
	suite := p.CipherSuite()
	if suite != CipherPoly1305None && suite != CipherPoly1305Salsa2012 {
		return ErrInvalidCipher
	}

	s20 := p.keystream(key)
	var macKey [32]byte
	s20.KeyStream(macKey[:])

	payload := p.Bytes()[idxVerb:]
	mac, _ := p.Field(idxMAC, crypto.Poly1305MACLength)
	if !crypto.OneTimeAuthVerify(payload, &macKey, mac) {
		return ErrAuthenticationFailed
	}

	if suite == CipherPoly1305Salsa2012 {
		s20.XORKeyStream(payload, payload)
	}
	return nil
}

// Compress attempts LZ4 compression of the payload, keeping it only
// when it shrinks. Must be called before Armor.
func (p *Packet) Compress() bool {
	if p.Compressed() || p.Len() <= IdxPayload {
		return false
	}
	payload := p.Payload()
	dst := make([]byte, len(payload)-1)
	n, err := lz4.CompressBlock(payload, dst, nil)
	if err != nil || n == 0 || n >= len(payload) {
		return false
	}
	p.SetLen(IdxPayload)
	p.Append(dst[:n])
	v, _ := p.ByteAt(idxVerb)
	p.SetAt(idxVerb, []byte{v | verbCompressed})
	return true
}

// Uncompress expands a compressed payload in place. Must be called
// after Dearmor, before verb dispatch.
func (p *Packet) Uncompress() error {
	if !p.Compressed() {
		return nil
	}
	payload := p.Payload()
	dst := make([]byte, MaxLength-IdxPayload)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return ErrUncompressFailed
	}
	if err := p.SetLen(IdxPayload); err != nil {
		return err
	}
	if err := p.Append(dst[:n]); err != nil {
		return err
	}
	v, _ := p.ByteAt(idxVerb)
	p.SetAt(idxVerb, []byte{v &^ verbCompressed})
	return nil
}
