package crypto

import (
	"crypto/subtle"
	"math/big"
)

// Poly1305 one-time authenticator. x/crypto no longer exports a
// standalone poly1305 package (it moved under internal when the AEAD
// constructions absorbed it), and the packet MAC needs the raw
// primitive keyed from the Salsa20 keystream, so it is implemented
// here over the prime field 2^130-5.

// Poly1305MACLength is the wire length of a packet MAC: the first 8
// bytes of the Poly1305 output.
const Poly1305MACLength = 8

var (
	poly1305P    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 130), big.NewInt(5))
	poly1305Mask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

func leBytesToInt(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i := range b {
		rev[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(rev)
}

// Poly1305Sum computes the full 16-byte authenticator of msg under a
// single-use 32-byte key.
func Poly1305Sum(msg []byte, key *[32]byte) [16]byte {
	var rb [16]byte
	copy(rb[:], key[0:16])
	// Clamp r per the Poly1305 specification.
	rb[3] &= 15
	rb[7] &= 15
	rb[11] &= 15
	rb[15] &= 15
	rb[4] &= 252
	rb[8] &= 252
	rb[12] &= 252

	r := leBytesToInt(rb[:])
	s := leBytesToInt(key[16:32])

	h := new(big.Int)
	block := make([]byte, 17)
	for at := 0; at < len(msg); at += 16 {
		end := at + 16
		if end > len(msg) {
			end = len(msg)
		}
		n := copy(block, msg[at:end])
		block[n] = 0x01
		h.Add(h, leBytesToInt(block[:n+1]))
		h.Mul(h, r)
		h.Mod(h, poly1305P)
	}

	h.Add(h, s)
	h.And(h, poly1305Mask)

	var tag [16]byte
	hb := h.Bytes() // big-endian
	for i := range hb {
		tag[len(hb)-1-i] = hb[i]
	}
	return tag
}

// OneTimeAuth computes the truncated packet MAC: the first 8 bytes of
// the Poly1305 output. The key is the first 32 bytes of the packet's
// Salsa20 keystream, so every packet MAC is keyed independently.
func OneTimeAuth(msg []byte, key *[32]byte) [Poly1305MACLength]byte {
	full := Poly1305Sum(msg, key)
	var mac [Poly1305MACLength]byte
	copy(mac[:], full[0:Poly1305MACLength])
	return mac
}

// OneTimeAuthVerify recomputes the truncated authenticator and
// compares in constant time.
func OneTimeAuthVerify(msg []byte, key *[32]byte, mac []byte) bool {
	want := OneTimeAuth(msg, key)
	return subtle.ConstantTimeCompare(want[:], mac) == 1
}
