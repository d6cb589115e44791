package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// Key and signature sizes. A public or private key is the concatenation
// of a Curve25519 ECDH key (bytes 0-31) and an Ed25519 signing key
// (bytes 32-63). A signature is a 32-byte SHA-512 prefix of the signed
// message followed by the 64-byte Ed25519 signature over that prefix, so
// one byte stream carries both an explicit digest and authenticity.
const (
	PublicKeyLength  = 64
	PrivateKeyLength = 64
	SignatureLength  = 96
	SessionKeyLength = 32
)

// ErrInvalidKey is returned for key agreement against a malformed key.
var ErrInvalidKey = errors.New("invalid key")

type PublicKey [PublicKeyLength]byte
type PrivateKey [PrivateKeyLength]byte
type Signature [SignatureLength]byte

// KeyPair is a combined ECDH + signing key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

func (k *KeyPair) derivePublicDH() {
	pub, err := curve25519.X25519(k.Private[0:32], curve25519.Basepoint)
	if err != nil {
		// Only possible for the low-order point, which a random or
		// incremented scalar can not produce after clamping.
		panic(err)
	}
	copy(k.Public[0:32], pub)
}

func (k *KeyPair) derivePublicEd() {
	priv := ed25519.NewKeyFromSeed(k.Private[32:64])
	copy(k.Public[32:64], priv[32:])
}

// GenerateKeyPair creates a random combined key pair.
func GenerateKeyPair() KeyPair {
	var kp KeyPair
	SecureRandom(kp.Private[:])
	kp.derivePublicDH()
	kp.derivePublicEd()
	return kp
}

// GenerateKeyPairSatisfying creates a key pair for which cond returns
// true. The signing half is fixed up front; only the ECDH half is
// re-rolled by incrementing the scalar, so the search visits a dense
// sequence of distinct keys without re-seeding.
func GenerateKeyPairSatisfying(cond func(*KeyPair) bool) KeyPair {
	var kp KeyPair
	SecureRandom(kp.Private[:])
	kp.derivePublicEd()
	for {
		binary.LittleEndian.PutUint64(kp.Private[8:16], binary.LittleEndian.Uint64(kp.Private[8:16])+1)
		binary.LittleEndian.PutUint64(kp.Private[16:24], binary.LittleEndian.Uint64(kp.Private[16:24])-1)
		kp.derivePublicDH()
		if cond(&kp) {
			return kp
		}
	}
}

// Agree performs ECDH key agreement and expands the raw shared secret
// with SHA-512, returning the first 32 bytes as the session key. Both
// sides of a link derive the same key.
func Agree(mine *PrivateKey, theirs *PublicKey) ([SessionKeyLength]byte, error) {
	var key [SessionKeyLength]byte
	shared, err := curve25519.X25519(mine[0:32], theirs[0:32])
	if err != nil {
		return key, ErrInvalidKey
	}
	digest := sha512.Sum512(shared)
	copy(key[:], digest[0:SessionKeyLength])
	return key, nil
}

// Sign produces the 96-byte composite signature of msg.
func Sign(mine *PrivateKey, msg []byte) Signature {
	var sig Signature
	digest := sha512.Sum512(msg)
	copy(sig[0:32], digest[0:32])
	edPriv := ed25519.NewKeyFromSeed(mine[32:64])
	copy(sig[32:96], ed25519.Sign(edPriv, digest[0:32]))
	return sig
}

// Verify checks a composite signature of msg against a public key: the
// embedded digest must match the message and the Ed25519 signature must
// verify over it.
func Verify(theirs *PublicKey, msg []byte, sig *Signature) bool {
	digest := sha512.Sum512(msg)
	if subtle.ConstantTimeCompare(digest[0:32], sig[0:32]) != 1 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(theirs[32:64]), sig[0:32], sig[32:96])
}
