package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SecureRandom fills b from the operating system's entropy source. All
// key material comes through here.
func SecureRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("crypto: system entropy source failed: " + err.Error())
	}
}

// prng is a process-wide Salsa20/20 keystream generator seeded once from
// the OS. It backs the non-cryptographic random choices: send jitter,
// member permutations, gather start indexes and packet IDs. It is never
// used for key material.
var prng struct {
	sync.Mutex
	s   *Salsa20
	buf [8]byte
}

func init() {
	var key [32]byte
	var nonce [8]byte
	SecureRandom(key[:])
	SecureRandom(nonce[:])
	prng.s = New20(&key, &nonce)
}

// RandomUint64 returns the next 64 bits of the process PRNG stream.
func RandomUint64() uint64 {
	prng.Lock()
	defer prng.Unlock()
	prng.s.KeyStream(prng.buf[:])
	return binary.LittleEndian.Uint64(prng.buf[:])
}

// RandomUint32 returns 32 bits of the process PRNG stream.
func RandomUint32() uint32 {
	return uint32(RandomUint64())
}

// RandomPerm returns a pseudo-random permutation of [0, n).
func RandomPerm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(RandomUint64() % uint64(i+1))
		p[i], p[j] = p[j], p[i]
	}
	return p
}
