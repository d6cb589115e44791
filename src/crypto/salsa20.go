package crypto

import (
	"encoding/binary"
	"math/bits"
)

// Salsa20 is an incremental Salsa20 keystream cipher supporting both the
// 12-round variant used for packet encryption and the full 20-round
// variant used by the identity hash and the PRNG.
//
// golang.org/x/crypto only ships the 20-round cipher and does not expose
// the block counter, so the core is implemented here. The counter starts
// at zero and advances little-endian per the reference implementation;
// the 8-byte nonce is the raw packet ID.
type Salsa20 struct {
	state  [16]uint32
	rounds int
	block  [64]byte
	avail  int
}

const (
	sigma0 = 0x61707865 // "expa"
	sigma1 = 0x3320646e // "nd 3"
	sigma2 = 0x79622d32 // "2-by"
	sigma3 = 0x6b206574 // "te k"
)

// NewSalsa20 initialises a cipher with a 256-bit key, an 8-byte nonce and
// the given number of rounds (12 or 20).
func NewSalsa20(key *[32]byte, nonce *[8]byte, rounds int) *Salsa20 {
	s := &Salsa20{rounds: rounds}
	s.state[0] = sigma0
	s.state[1] = binary.LittleEndian.Uint32(key[0:])
	s.state[2] = binary.LittleEndian.Uint32(key[4:])
	s.state[3] = binary.LittleEndian.Uint32(key[8:])
	s.state[4] = binary.LittleEndian.Uint32(key[12:])
	s.state[5] = sigma1
	s.state[6] = binary.LittleEndian.Uint32(nonce[0:])
	s.state[7] = binary.LittleEndian.Uint32(nonce[4:])
	s.state[8] = 0
	s.state[9] = 0
	s.state[10] = sigma2
	s.state[11] = binary.LittleEndian.Uint32(key[16:])
	s.state[12] = binary.LittleEndian.Uint32(key[20:])
	s.state[13] = binary.LittleEndian.Uint32(key[24:])
	s.state[14] = binary.LittleEndian.Uint32(key[28:])
	s.state[15] = sigma3
	return s
}

// New12 returns a Salsa20/12 cipher.
func New12(key *[32]byte, nonce *[8]byte) *Salsa20 { return NewSalsa20(key, nonce, 12) }

// New20 returns a Salsa20/20 cipher.
func New20(key *[32]byte, nonce *[8]byte) *Salsa20 { return NewSalsa20(key, nonce, 20) }

func (s *Salsa20) nextBlock() {
	var x [16]uint32
	copy(x[:], s.state[:])

	for i := 0; i < s.rounds; i += 2 {
		// column round
		x[4] ^= bits.RotateLeft32(x[0]+x[12], 7)
		x[8] ^= bits.RotateLeft32(x[4]+x[0], 9)
		x[12] ^= bits.RotateLeft32(x[8]+x[4], 13)
		x[0] ^= bits.RotateLeft32(x[12]+x[8], 18)
		x[9] ^= bits.RotateLeft32(x[5]+x[1], 7)
		x[13] ^= bits.RotateLeft32(x[9]+x[5], 9)
		x[1] ^= bits.RotateLeft32(x[13]+x[9], 13)
		x[5] ^= bits.RotateLeft32(x[1]+x[13], 18)
		x[14] ^= bits.RotateLeft32(x[10]+x[6], 7)
		x[2] ^= bits.RotateLeft32(x[14]+x[10], 9)
		x[6] ^= bits.RotateLeft32(x[2]+x[14], 13)
		x[10] ^= bits.RotateLeft32(x[6]+x[2], 18)
		x[3] ^= bits.RotateLeft32(x[15]+x[11], 7)
		x[7] ^= bits.RotateLeft32(x[3]+x[15], 9)
		x[11] ^= bits.RotateLeft32(x[7]+x[3], 13)
		x[15] ^= bits.RotateLeft32(x[11]+x[7], 18)
		// row round
		x[1] ^= bits.RotateLeft32(x[0]+x[3], 7)
		x[2] ^= bits.RotateLeft32(x[1]+x[0], 9)
		x[3] ^= bits.RotateLeft32(x[2]+x[1], 13)
		x[0] ^= bits.RotateLeft32(x[3]+x[2], 18)
		x[6] ^= bits.RotateLeft32(x[5]+x[4], 7)
		x[7] ^= bits.RotateLeft32(x[6]+x[5], 9)
		x[4] ^= bits.RotateLeft32(x[7]+x[6], 13)
		x[5] ^= bits.RotateLeft32(x[4]+x[7], 18)
		x[11] ^= bits.RotateLeft32(x[10]+x[9], 7)
		x[8] ^= bits.RotateLeft32(x[11]+x[10], 9)
		x[9] ^= bits.RotateLeft32(x[8]+x[11], 13)
		x[10] ^= bits.RotateLeft32(x[9]+x[8], 18)
		x[12] ^= bits.RotateLeft32(x[15]+x[14], 7)
		x[13] ^= bits.RotateLeft32(x[12]+x[15], 9)
		x[14] ^= bits.RotateLeft32(x[13]+x[12], 13)
		x[15] ^= bits.RotateLeft32(x[14]+x[13], 18)
	}

	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(s.block[i*4:], x[i]+s.state[i])
	}
	s.avail = 64

	s.state[8]++
	if s.state[8] == 0 {
		s.state[9]++
	}
}

// XORKeyStream XORs src with the keystream into dst, advancing the
// stream. dst and src may overlap exactly. Successive calls continue the
// same keystream.
func (s *Salsa20) XORKeyStream(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		if s.avail == 0 {
			s.nextBlock()
		}
		dst[i] = src[i] ^ s.block[64-s.avail]
		s.avail--
	}
}

// KeyStream fills b with raw keystream bytes.
func (s *Salsa20) KeyStream(b []byte) {
	for i := range b {
		b[i] = 0
	}
	s.XORKeyStream(b, b)
}
