package network

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

// Reserved qualifier IDs. Every certificate carries at least these
// three; the controller may add further operator-defined qualifiers.
const (
	QualifierTimestamp = 0 // absolute ms; maxDelta is the agreement window
	QualifierNetworkID = 1 // maxDelta 0: certificates never cross networks
	QualifierIssuedTo  = 2 // maxDelta "any": identifies, never constrains
)

const maxQualifiers = 7

// ErrBadCertificate is returned for malformed certificate blobs.
var ErrBadCertificate = errors.New("malformed membership certificate")

type qualifier struct {
	id       uint64
	value    uint64
	maxDelta uint64
}

// CertificateOfMembership attests a node's membership in a network at a
// point in time. It is a sorted list of qualifier tuples signed by the
// network controller. Two certificates agree when each tuple present on
// one side has a counterpart on the other within its maxDelta; the
// check is made in both directions by the two peers independently.
type CertificateOfMembership struct {
	qualifiers []qualifier // sorted by id
	signedBy   types.Address
	signature  crypto.Signature
}

// NewCertificate creates an unsigned certificate with the three
// reserved qualifiers.
func NewCertificate(timestamp, timestampMaxDelta uint64, nwid uint64, issuedTo types.Address) *CertificateOfMembership {
	c := &CertificateOfMembership{}
	c.SetQualifier(QualifierTimestamp, timestamp, timestampMaxDelta)
	c.SetQualifier(QualifierNetworkID, nwid, 0)
	c.SetQualifier(QualifierIssuedTo, uint64(issuedTo), 0xffffffffffff)
	return c
}

// SetQualifier adds or updates a qualifier tuple. Adding a tuple
// invalidates any existing signature: signedBy is cleared and the
// caller must re-sign.
func (c *CertificateOfMembership) SetQualifier(id, value, maxDelta uint64) {
	c.signedBy = 0

	for i := range c.qualifiers {
		if c.qualifiers[i].id == id {
			c.qualifiers[i].value = value
			c.qualifiers[i].maxDelta = maxDelta
			return
		}
	}
	if len(c.qualifiers) >= maxQualifiers {
		return
	}
	c.qualifiers = append(c.qualifiers, qualifier{id, value, maxDelta})
	sort.Slice(c.qualifiers, func(i, j int) bool {
		return c.qualifiers[i].id < c.qualifiers[j].id
	})
}

func (c *CertificateOfMembership) qualifierValue(id uint64) (uint64, bool) {
	for _, q := range c.qualifiers {
		if q.id == id {
			return q.value, true
		}
	}
	return 0, false
}

// Timestamp returns the timestamp qualifier value.
func (c *CertificateOfMembership) Timestamp() uint64 {
	v, _ := c.qualifierValue(QualifierTimestamp)
	return v
}

// NetworkID returns the network ID qualifier value.
func (c *CertificateOfMembership) NetworkID() uint64 {
	v, _ := c.qualifierValue(QualifierNetworkID)
	return v
}

// IssuedTo returns the address this certificate was issued to.
func (c *CertificateOfMembership) IssuedTo() types.Address {
	v, _ := c.qualifierValue(QualifierIssuedTo)
	return types.Address(v)
}

// SignedBy returns the signer's address, or zero if unsigned.
func (c *CertificateOfMembership) SignedBy() types.Address { return c.signedBy }

// AgreesWith checks this certificate's qualifiers against another's.
// For every tuple we carry, the other certificate must carry a tuple
// with the same id whose value differs from ours by at most our
// maxDelta. The walk relies on both lists being sorted by id.
func (c *CertificateOfMembership) AgreesWith(other *CertificateOfMembership) bool {
	if other == nil {
		return false
	}
	otherIdx := 0
	for _, q := range c.qualifiers {
		if otherIdx >= len(other.qualifiers) {
			return false
		}
		for other.qualifiers[otherIdx].id != q.id {
			otherIdx++
			if otherIdx >= len(other.qualifiers) {
				return false
			}
		}
		a, b := q.value, other.qualifiers[otherIdx].value
		diff := a - b
		if b > a {
			diff = b - a
		}
		if diff > q.maxDelta {
			return false
		}
	}
	return true
}

func (c *CertificateOfMembership) signingBytes() []byte {
	buf := make([]byte, 0, len(c.qualifiers)*24)
	for _, q := range c.qualifiers {
		buf = binary.BigEndian.AppendUint64(buf, q.id)
		buf = binary.BigEndian.AppendUint64(buf, q.value)
		buf = binary.BigEndian.AppendUint64(buf, q.maxDelta)
	}
	return buf
}

// Sign signs the certificate with the controller's identity.
func (c *CertificateOfMembership) Sign(with *identity.Identity) error {
	sig, err := with.Sign(c.signingBytes())
	if err != nil {
		return err
	}
	c.signature = sig
	c.signedBy = with.Address()
	return nil
}

// Verify checks the signature against the claimed signer's identity.
func (c *CertificateOfMembership) Verify(signer *identity.Identity) bool {
	if c.signedBy.IsZero() || signer.Address() != c.signedBy {
		return false
	}
	return signer.Verify(c.signingBytes(), &c.signature)
}

// AppendTo serialises the certificate: version byte, u16 qualifier
// count, 24 bytes per tuple, signer address, signature if signed.
func (c *CertificateOfMembership) AppendTo(b *common.Buffer) error {
	if err := b.AppendByte(1); err != nil {
		return err
	}
	if err := b.AppendUint16(uint16(len(c.qualifiers))); err != nil {
		return err
	}
	for _, q := range c.qualifiers {
		b.AppendUint64(q.id)
		b.AppendUint64(q.value)
		if err := b.AppendUint64(q.maxDelta); err != nil {
			return err
		}
	}
	if err := c.signedBy.AppendTo(b); err != nil {
		return err
	}
	if !c.signedBy.IsZero() {
		return b.Append(c.signature[:])
	}
	return nil
}

// ReadCertificate deserialises a certificate from buf at offset,
// returning it and the bytes consumed.
func ReadCertificate(b *common.Buffer, at int) (*CertificateOfMembership, int, error) {
	v, err := b.ByteAt(at)
	if err != nil {
		return nil, 0, err
	}
	if v != 1 {
		return nil, 0, ErrBadCertificate
	}
	count, err := b.Uint16At(at + 1)
	if err != nil {
		return nil, 0, err
	}
	if int(count) > maxQualifiers {
		return nil, 0, ErrBadCertificate
	}
	p := at + 3

	c := &CertificateOfMembership{}
	for i := 0; i < int(count); i++ {
		id, err := b.Uint64At(p)
		if err != nil {
			return nil, 0, err
		}
		value, _ := b.Uint64At(p + 8)
		maxDelta, err := b.Uint64At(p + 16)
		if err != nil {
			return nil, 0, err
		}
		c.qualifiers = append(c.qualifiers, qualifier{id, value, maxDelta})
		p += 24
	}
	sort.Slice(c.qualifiers, func(i, j int) bool {
		return c.qualifiers[i].id < c.qualifiers[j].id
	})

	f, err := b.Field(p, types.AddressLength)
	if err != nil {
		return nil, 0, err
	}
	c.signedBy, _ = types.NewAddressFromBytes(f)
	p += types.AddressLength

	if !c.signedBy.IsZero() {
		sig, err := b.Field(p, crypto.SignatureLength)
		if err != nil {
			return nil, 0, err
		}
		copy(c.signature[:], sig)
		p += crypto.SignatureLength
	}

	return c, p - at, nil
}
