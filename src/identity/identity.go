package identity

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/types"
)

// Hashcash parameters. These can never change without a new identity
// type: the address derivation is part of the wire protocol.
const (
	hashcashFirstByteLessThan = 17
	memoryHardBytes           = 2097152
)

// ErrParse is returned for malformed identity strings or wire blobs.
var ErrParse = errors.New("identity parse error")

// Identity is a node's cryptographic identity: a combined Curve25519 +
// Ed25519 key pair whose 40-bit address is bound to the public key by a
// memory-hard hashcash function. Without the private half it can verify
// and agree only; the private half is present on the local node alone.
type Identity struct {
	address    types.Address
	publicKey  crypto.PublicKey
	privateKey *crypto.PrivateKey
}

// computeMemoryHardHash is a sequentially memory-hard composition of
// SHA-512 and Salsa20/20. It fills a 2 MiB arena with a chained keystream
// (each 64-byte block depends on the previous one) and then walks the
// arena swapping 8-byte words with the digest, re-encrypting the digest
// at every step. Verification costs the same as one generation attempt.
func computeMemoryHardHash(publicKey []byte) [64]byte {
	digest := crypto.SHA512(publicKey)

	var key [32]byte
	var nonce [8]byte
	copy(key[:], digest[0:32])
	copy(nonce[:], digest[32:40])
	s20 := crypto.New20(&key, &nonce)

	genmem := make([]byte, memoryHardBytes)
	s20.XORKeyStream(genmem[0:64], genmem[0:64])
	for i := 64; i < memoryHardBytes; i += 64 {
		copy(genmem[i:i+64], genmem[i-64:i])
		s20.XORKeyStream(genmem[i:i+64], genmem[i:i+64])
	}

	const words = memoryHardBytes / 8
	for i := 0; i < words; {
		idx1 := binary.BigEndian.Uint64(genmem[i*8:]) % (64 / 8)
		i++
		idx2 := binary.BigEndian.Uint64(genmem[i*8:]) % words
		i++
		gen := genmem[idx2*8 : idx2*8+8]
		dig := digest[idx1*8 : idx1*8+8]
		tmp := binary.LittleEndian.Uint64(gen)
		binary.LittleEndian.PutUint64(gen, binary.LittleEndian.Uint64(dig))
		binary.LittleEndian.PutUint64(dig, tmp)
		s20.XORKeyStream(digest[:], digest[:])
	}

	return digest
}

// Generate creates a new identity. It searches key pairs until the
// memory-hard hash of the public key passes the hashcash threshold and
// yields a non-reserved address; this takes seconds to minutes.
func Generate() *Identity {
	var digest [64]byte
	for {
		kp := crypto.GenerateKeyPairSatisfying(func(k *crypto.KeyPair) bool {
			digest = computeMemoryHardHash(k.Public[:])
			return digest[0] < hashcashFirstByteLessThan
		})
		addr, _ := types.NewAddressFromBytes(digest[59:64])
		if addr.Valid() {
			priv := kp.Private
			return &Identity{
				address:    addr,
				publicKey:  kp.Public,
				privateKey: &priv,
			}
		}
	}
}

// NewFromString parses the canonical string form
// "<address>:0:<public hex>[:<private hex>]".
func NewFromString(s string) (*Identity, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) < 3 || len(fields) > 4 {
		return nil, ErrParse
	}

	addr, err := types.NewAddressFromString(fields[0])
	if err != nil || !addr.Valid() {
		return nil, ErrParse
	}
	if fields[1] != "0" {
		return nil, ErrParse
	}

	id := &Identity{address: addr}

	pub, err := hex.DecodeString(fields[2])
	if err != nil || len(pub) != crypto.PublicKeyLength {
		return nil, ErrParse
	}
	copy(id.publicKey[:], pub)

	if len(fields) == 4 {
		priv, err := hex.DecodeString(fields[3])
		if err != nil || len(priv) != crypto.PrivateKeyLength {
			return nil, ErrParse
		}
		id.privateKey = new(crypto.PrivateKey)
		copy(id.privateKey[:], priv)
	}

	return id, nil
}

// String renders the public form.
func (id *Identity) String() string { return id.render(false) }

// PrivateString renders the full form including the private key, for
// writing to identity.secret.
func (id *Identity) PrivateString() string { return id.render(true) }

func (id *Identity) render(includePrivate bool) string {
	var b strings.Builder
	b.WriteString(id.address.String())
	b.WriteString(":0:")
	b.WriteString(hex.EncodeToString(id.publicKey[:]))
	if includePrivate && id.privateKey != nil {
		b.WriteByte(':')
		b.WriteString(hex.EncodeToString(id.privateKey[:]))
	}
	return b.String()
}

// Address returns the node address.
func (id *Identity) Address() types.Address { return id.address }

// PublicKey returns the combined public key.
func (id *Identity) PublicKey() crypto.PublicKey { return id.publicKey }

// HasPrivate reports whether the private half is present.
func (id *Identity) HasPrivate() bool { return id.privateKey != nil }

// LocallyValidate recomputes the memory-hard hash and checks that the
// hashcash threshold holds and that the trailing hash bytes equal the
// address. It does not prove possession of the private key.
func (id *Identity) LocallyValidate() bool {
	if !id.address.Valid() {
		return false
	}
	digest := computeMemoryHardHash(id.publicKey[:])
	if digest[0] >= hashcashFirstByteLessThan {
		return false
	}
	addrb := id.address.Bytes()
	for i := 0; i < types.AddressLength; i++ {
		if digest[59+i] != addrb[i] {
			return false
		}
	}
	return true
}

// Sign signs msg with this identity's private key.
func (id *Identity) Sign(msg []byte) (crypto.Signature, error) {
	if id.privateKey == nil {
		return crypto.Signature{}, errors.New("identity has no private key")
	}
	return crypto.Sign(id.privateKey, msg), nil
}

// Verify checks a signature made by this identity.
func (id *Identity) Verify(msg []byte, sig *crypto.Signature) bool {
	return crypto.Verify(&id.publicKey, msg, sig)
}

// Agree computes the long-term session key shared with another identity.
func (id *Identity) Agree(theirs *Identity) ([crypto.SessionKeyLength]byte, error) {
	if id.privateKey == nil {
		return [crypto.SessionKeyLength]byte{}, errors.New("identity has no private key")
	}
	return crypto.Agree(id.privateKey, &theirs.publicKey)
}

// Equals compares address and public key.
func (id *Identity) Equals(other *Identity) bool {
	return id.address == other.address && id.publicKey == other.publicKey
}

// AppendTo serialises the identity: 5-byte address, type byte 0, 64-byte
// public key, private key length byte, optional private key.
func (id *Identity) AppendTo(b *common.Buffer, includePrivate bool) error {
	if err := id.address.AppendTo(b); err != nil {
		return err
	}
	if err := b.AppendByte(0); err != nil {
		return err
	}
	if err := b.Append(id.publicKey[:]); err != nil {
		return err
	}
	if includePrivate && id.privateKey != nil {
		if err := b.AppendByte(crypto.PrivateKeyLength); err != nil {
			return err
		}
		return b.Append(id.privateKey[:])
	}
	return b.AppendByte(0)
}

// ReadIdentity deserialises an identity from buf at offset, returning it
// and the number of bytes consumed.
func ReadIdentity(b *common.Buffer, at int) (*Identity, int, error) {
	f, err := b.Field(at, types.AddressLength)
	if err != nil {
		return nil, 0, err
	}
	addr, err := types.NewAddressFromBytes(f)
	if err != nil {
		return nil, 0, ErrParse
	}
	p := at + types.AddressLength

	idType, err := b.ByteAt(p)
	if err != nil {
		return nil, 0, err
	}
	if idType != 0 {
		return nil, 0, ErrParse
	}
	p++

	id := &Identity{address: addr}
	pub, err := b.Field(p, crypto.PublicKeyLength)
	if err != nil {
		return nil, 0, err
	}
	copy(id.publicKey[:], pub)
	p += crypto.PublicKeyLength

	privLen, err := b.ByteAt(p)
	if err != nil {
		return nil, 0, err
	}
	p++
	if privLen > 0 {
		if privLen != crypto.PrivateKeyLength {
			return nil, 0, ErrParse
		}
		priv, err := b.Field(p, crypto.PrivateKeyLength)
		if err != nil {
			return nil, 0, err
		}
		id.privateKey = new(crypto.PrivateKey)
		copy(id.privateKey[:], priv)
		p += crypto.PrivateKeyLength
	}

	return id, p - at, nil
}
