package crypto

import "crypto/sha512"

// SHA512 returns the 64-byte SHA-512 digest of b.
func SHA512(b []byte) [64]byte {
	return sha512.Sum512(b)
}
