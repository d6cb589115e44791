package types

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/NAStools/zerotierone/src/common"
)

// AddressLength is the wire length of a node address in bytes.
const AddressLength = 5

// AddressReservedPrefix marks the reserved address range: any address whose
// most significant byte is 0xff, and the zero address, are invalid.
const AddressReservedPrefix = 0xff

// ErrInvalidAddress is returned when parsing an address that is reserved,
// zero, or malformed.
var ErrInvalidAddress = errors.New("invalid address")

// Address is a 40-bit node identifier derived from the memory-hard hash of
// an identity's public key.
type Address uint64

// NewAddressFromBytes reads a 5-byte big-endian address.
func NewAddressFromBytes(b []byte) (Address, error) {
	if len(b) < AddressLength {
		return 0, ErrInvalidAddress
	}
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])), nil
}

// NewAddressFromString parses the 10-digit hex form.
func NewAddressFromString(s string) (Address, error) {
	if len(s) != 10 {
		return 0, ErrInvalidAddress
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, ErrInvalidAddress
	}
	return Address(n), nil
}

// IsReserved returns true for addresses in the reserved prefix. Reserved
// addresses may never be used on the wire by ordinary nodes.
func (a Address) IsReserved() bool {
	return (uint64(a) >> 32) == AddressReservedPrefix
}

// IsZero returns true for the all-zero address.
func (a Address) IsZero() bool { return a == 0 }

// Valid returns true if the address is neither zero nor reserved.
func (a Address) Valid() bool { return a != 0 && !a.IsReserved() }

// Bytes returns the 5-byte big-endian form.
func (a Address) Bytes() []byte {
	return []byte{
		byte(a >> 32),
		byte(a >> 24),
		byte(a >> 16),
		byte(a >> 8),
		byte(a),
	}
}

// AppendTo appends the 5-byte form to a buffer.
func (a Address) AppendTo(b *common.Buffer) error {
	return b.Append(a.Bytes())
}

func (a Address) String() string {
	return fmt.Sprintf("%.10x", uint64(a))
}
