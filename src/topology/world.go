package topology

import (
	"errors"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

// ErrBadWorld is returned for malformed or improperly signed world
// definitions.
var ErrBadWorld = errors.New("malformed world definition")

const worldMaxRoots = 4

// Root is one root server: a full identity plus the static physical
// endpoints it can always be reached at.
type Root struct {
	Identity        *identity.Identity
	StableEndpoints []types.InetAddress
}

// World is the signed, versioned definition of the root server set.
// The timestamp is the revision: an update is accepted only when its
// signature verifies against the update key of the world we already
// hold and its timestamp is strictly newer.
type World struct {
	ID                    uint64
	Timestamp             uint64
	UpdatesMustBeSignedBy crypto.PublicKey
	Roots                 []Root

	signature crypto.Signature
}

func (w *World) signingBytes() []byte {
	b := common.NewBuffer(8192)
	w.appendTo(b, false)
	return b.Bytes()
}

// Sign signs the world with the update key pair.
func (w *World) Sign(kp *crypto.KeyPair) {
	w.signature = crypto.Sign(&kp.Private, w.signingBytes())
}

// Verify checks the signature against an update key.
func (w *World) Verify(key *crypto.PublicKey) bool {
	return crypto.Verify(key, w.signingBytes(), &w.signature)
}

// ShouldReplace decides whether an incoming world supersedes this one:
// same world ID, strictly newer timestamp, and signed by the key this
// world requires updates to be signed with.
func (w *World) ShouldReplace(incoming *World) bool {
	if incoming == nil || incoming.ID != w.ID {
		return false
	}
	if incoming.Timestamp <= w.Timestamp {
		return false
	}
	return incoming.Verify(&w.UpdatesMustBeSignedBy)
}

func (w *World) appendTo(b *common.Buffer, withSignature bool) error {
	if err := b.AppendByte(1); err != nil {
		return err
	}
	b.AppendUint64(w.ID)
	b.AppendUint64(w.Timestamp)
	if err := b.Append(w.UpdatesMustBeSignedBy[:]); err != nil {
		return err
	}
	if withSignature {
		if err := b.Append(w.signature[:]); err != nil {
			return err
		}
	}
	if err := b.AppendByte(byte(len(w.Roots))); err != nil {
		return err
	}
	for _, r := range w.Roots {
		if err := r.Identity.AppendTo(b, false); err != nil {
			return err
		}
		if err := b.AppendByte(byte(len(r.StableEndpoints))); err != nil {
			return err
		}
		for _, ep := range r.StableEndpoints {
			if err := ep.AppendTo(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendTo serialises the world including its signature.
func (w *World) AppendTo(b *common.Buffer) error {
	return w.appendTo(b, true)
}

// ReadWorld deserialises a world from buf at offset, returning it and
// the bytes consumed.
func ReadWorld(b *common.Buffer, at int) (*World, int, error) {
	v, err := b.ByteAt(at)
	if err != nil {
		return nil, 0, err
	}
	if v != 1 {
		return nil, 0, ErrBadWorld
	}
	p := at + 1

	w := &World{}
	if w.ID, err = b.Uint64At(p); err != nil {
		return nil, 0, err
	}
	p += 8
	if w.Timestamp, err = b.Uint64At(p); err != nil {
		return nil, 0, err
	}
	p += 8

	key, err := b.Field(p, crypto.PublicKeyLength)
	if err != nil {
		return nil, 0, err
	}
	copy(w.UpdatesMustBeSignedBy[:], key)
	p += crypto.PublicKeyLength

	sig, err := b.Field(p, crypto.SignatureLength)
	if err != nil {
		return nil, 0, err
	}
	copy(w.signature[:], sig)
	p += crypto.SignatureLength

	count, err := b.ByteAt(p)
	if err != nil {
		return nil, 0, err
	}
	if int(count) > worldMaxRoots {
		return nil, 0, ErrBadWorld
	}
	p++

	for i := 0; i < int(count); i++ {
		id, n, err := identity.ReadIdentity(b, p)
		if err != nil {
			return nil, 0, err
		}
		p += n

		epCount, err := b.ByteAt(p)
		if err != nil {
			return nil, 0, err
		}
		p++

		root := Root{Identity: id}
		for j := 0; j < int(epCount); j++ {
			ep, n, err := types.ReadInetAddress(b, p)
			if err != nil {
				return nil, 0, err
			}
			p += n
			if !ep.IsNil() {
				root.StableEndpoints = append(root.StableEndpoints, ep)
			}
		}
		w.Roots = append(w.Roots, root)
	}

	return w, p - at, nil
}
