package common

import (
	"encoding/binary"
	"errors"
)

// ErrBufferOverflow is returned by any Buffer operation that would exceed the
// buffer's fixed capacity, and by reads past the end of the data.
var ErrBufferOverflow = errors.New("buffer overflow")

// Buffer is a fixed-capacity byte buffer with an append cursor. It is the
// carrier for everything that crosses the wire: appends are bounds-checked
// against the capacity chosen at creation and never reallocate, so a packet
// can not silently grow past the protocol maximum. All multi-byte integers
// are big-endian.
type Buffer struct {
	data []byte
}

// NewBuffer creates an empty buffer with the given fixed capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// NewBufferFrom creates a buffer holding a copy of b with the given fixed
// capacity. It returns ErrBufferOverflow if b is longer than capacity.
func NewBufferFrom(b []byte, capacity int) (*Buffer, error) {
	if len(b) > capacity {
		return nil, ErrBufferOverflow
	}
	buf := NewBuffer(capacity)
	buf.data = buf.data[:len(b)]
	copy(buf.data, b)
	return buf, nil
}

// Len returns the current size of the buffer contents.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the buffer contents. The slice aliases the buffer's
// backing array.
func (b *Buffer) Bytes() []byte { return b.data }

// Clear resets the append cursor to zero.
func (b *Buffer) Clear() { b.data = b.data[:0] }

// SetLen sets the buffer size, zero-filling any newly exposed bytes.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > cap(b.data) {
		return ErrBufferOverflow
	}
	old := len(b.data)
	b.data = b.data[:n]
	for i := old; i < n; i++ {
		b.data[i] = 0
	}
	return nil
}

// Grow extends the buffer by n zero bytes and returns the offset at which
// the new field begins. Used to reserve space that is patched later with
// SetAt, e.g. length prefixes written after their contents.
func (b *Buffer) Grow(n int) (int, error) {
	at := len(b.data)
	if err := b.SetLen(at + n); err != nil {
		return 0, err
	}
	return at, nil
}

// Append appends raw bytes.
func (b *Buffer) Append(p []byte) error {
	if len(b.data)+len(p) > cap(b.data) {
		return ErrBufferOverflow
	}
	b.data = append(b.data, p...)
	return nil
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(v byte) error {
	if len(b.data)+1 > cap(b.data) {
		return ErrBufferOverflow
	}
	b.data = append(b.data, v)
	return nil
}

// AppendUint16 appends a big-endian 16-bit integer.
func (b *Buffer) AppendUint16(v uint16) error {
	if len(b.data)+2 > cap(b.data) {
		return ErrBufferOverflow
	}
	b.data = binary.BigEndian.AppendUint16(b.data, v)
	return nil
}

// AppendUint32 appends a big-endian 32-bit integer.
func (b *Buffer) AppendUint32(v uint32) error {
	if len(b.data)+4 > cap(b.data) {
		return ErrBufferOverflow
	}
	b.data = binary.BigEndian.AppendUint32(b.data, v)
	return nil
}

// AppendUint64 appends a big-endian 64-bit integer.
func (b *Buffer) AppendUint64(v uint64) error {
	if len(b.data)+8 > cap(b.data) {
		return ErrBufferOverflow
	}
	b.data = binary.BigEndian.AppendUint64(b.data, v)
	return nil
}

// ByteAt reads the byte at offset.
func (b *Buffer) ByteAt(at int) (byte, error) {
	if at < 0 || at >= len(b.data) {
		return 0, ErrBufferOverflow
	}
	return b.data[at], nil
}

// Uint16At reads a big-endian 16-bit integer at offset.
func (b *Buffer) Uint16At(at int) (uint16, error) {
	if at < 0 || at+2 > len(b.data) {
		return 0, ErrBufferOverflow
	}
	return binary.BigEndian.Uint16(b.data[at:]), nil
}

// Uint32At reads a big-endian 32-bit integer at offset.
func (b *Buffer) Uint32At(at int) (uint32, error) {
	if at < 0 || at+4 > len(b.data) {
		return 0, ErrBufferOverflow
	}
	return binary.BigEndian.Uint32(b.data[at:]), nil
}

// Uint64At reads a big-endian 64-bit integer at offset.
func (b *Buffer) Uint64At(at int) (uint64, error) {
	if at < 0 || at+8 > len(b.data) {
		return 0, ErrBufferOverflow
	}
	return binary.BigEndian.Uint64(b.data[at:]), nil
}

// Field returns n bytes starting at offset. The slice aliases the backing
// array.
func (b *Buffer) Field(at, n int) ([]byte, error) {
	if at < 0 || n < 0 || at+n > len(b.data) {
		return nil, ErrBufferOverflow
	}
	return b.data[at : at+n], nil
}

// SetAt overwrites bytes at offset with p. The region must already be
// within the buffer's current size.
func (b *Buffer) SetAt(at int, p []byte) error {
	if at < 0 || at+len(p) > len(b.data) {
		return ErrBufferOverflow
	}
	copy(b.data[at:], p)
	return nil
}

// SetUint16At overwrites a big-endian 16-bit integer at offset.
func (b *Buffer) SetUint16At(at int, v uint16) error {
	if at < 0 || at+2 > len(b.data) {
		return ErrBufferOverflow
	}
	binary.BigEndian.PutUint16(b.data[at:], v)
	return nil
}

// SetUint32At overwrites a big-endian 32-bit integer at offset.
func (b *Buffer) SetUint32At(at int, v uint32) error {
	if at < 0 || at+4 > len(b.data) {
		return ErrBufferOverflow
	}
	binary.BigEndian.PutUint32(b.data[at:], v)
	return nil
}
