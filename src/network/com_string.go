package network

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/types"
)

// MarshalString renders the certificate in the colon-separated text
// form used inside network config dictionaries:
// "1:<qualifiers hex>:<signer>[:<signature hex>]".
func (c *CertificateOfMembership) MarshalString() string {
	var b strings.Builder
	b.WriteString("1:")

	raw := make([]byte, 0, len(c.qualifiers)*24)
	for _, q := range c.qualifiers {
		raw = binary.BigEndian.AppendUint64(raw, q.id)
		raw = binary.BigEndian.AppendUint64(raw, q.value)
		raw = binary.BigEndian.AppendUint64(raw, q.maxDelta)
	}
	b.WriteString(hex.EncodeToString(raw))

	b.WriteByte(':')
	b.WriteString(c.signedBy.String())
	if !c.signedBy.IsZero() {
		b.WriteByte(':')
		b.WriteString(hex.EncodeToString(c.signature[:]))
	}
	return b.String()
}

// ParseCertificateString parses the text form.
func ParseCertificateString(s string) (*CertificateOfMembership, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 3 || fields[0] != "1" {
		return nil, ErrBadCertificate
	}

	raw, err := hex.DecodeString(fields[1])
	if err != nil || len(raw)%24 != 0 || len(raw)/24 > maxQualifiers {
		return nil, ErrBadCertificate
	}

	c := &CertificateOfMembership{}
	for at := 0; at < len(raw); at += 24 {
		c.qualifiers = append(c.qualifiers, qualifier{
			id:       binary.BigEndian.Uint64(raw[at:]),
			value:    binary.BigEndian.Uint64(raw[at+8:]),
			maxDelta: binary.BigEndian.Uint64(raw[at+16:]),
		})
	}
	sort.Slice(c.qualifiers, func(i, j int) bool {
		return c.qualifiers[i].id < c.qualifiers[j].id
	})

	c.signedBy, err = types.NewAddressFromString(fields[2])
	if err != nil {
		return nil, ErrBadCertificate
	}
	if !c.signedBy.IsZero() {
		if len(fields) < 4 {
			return nil, ErrBadCertificate
		}
		sig, err := hex.DecodeString(fields[3])
		if err != nil || len(sig) != crypto.SignatureLength {
			return nil, ErrBadCertificate
		}
		copy(c.signature[:], sig)
	}
	return c, nil
}
