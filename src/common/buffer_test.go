package common

import (
	"bytes"
	"testing"
)

func TestBufferAppendAndRead(t *testing.T) {
	b := NewBuffer(32)

	if err := b.AppendByte(0x01); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := b.AppendUint16(0x0203); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := b.AppendUint32(0x04050607); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := b.AppendUint64(0x08090a0b0c0d0e0f); err != nil {
		t.Fatalf("err: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(b.Bytes(), want) {
		t.Fatalf("bytes mismatch: %x", b.Bytes())
	}

	if v, _ := b.ByteAt(0); v != 0x01 {
		t.Fatalf("ByteAt: %x", v)
	}
	if v, _ := b.Uint16At(1); v != 0x0203 {
		t.Fatalf("Uint16At: %x", v)
	}
	if v, _ := b.Uint32At(3); v != 0x04050607 {
		t.Fatalf("Uint32At: %x", v)
	}
	if v, _ := b.Uint64At(7); v != 0x08090a0b0c0d0e0f {
		t.Fatalf("Uint64At: %x", v)
	}
}

func TestBufferOverflow(t *testing.T) {
	b := NewBuffer(4)

	if err := b.AppendUint32(1); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := b.AppendByte(1); err != ErrBufferOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
	if err := b.AppendUint64(1); err != ErrBufferOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := b.Uint64At(0); err != ErrBufferOverflow {
		t.Fatalf("expected overflow on read, got %v", err)
	}
	if _, err := b.Field(2, 3); err != ErrBufferOverflow {
		t.Fatalf("expected overflow on field, got %v", err)
	}
}

func TestBufferGrowAndPatch(t *testing.T) {
	b := NewBuffer(16)

	b.AppendByte(0xaa)
	at, err := b.Grow(2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	b.AppendByte(0xbb)

	if err := b.SetUint16At(at, 0x1234); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte{0xaa, 0x12, 0x34, 0xbb}) {
		t.Fatalf("patch mismatch: %x", b.Bytes())
	}
}

func TestBufferSetLenZeroFills(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte{1, 2, 3, 4})
	b.SetLen(2)
	b.SetLen(4)
	if !bytes.Equal(b.Bytes(), []byte{1, 2, 0, 0}) {
		t.Fatalf("expected zero fill, got %x", b.Bytes())
	}
}
