package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ============================================================================
// XDR Encoding Helpers - Go Values → Wire Format
// ============================================================================

// ErrBufferFull is returned by Buffer when an encoding does not fit.
var ErrBufferFull = errors.New("xdr: encode buffer full")

// Buffer is an io.Writer over a fixed-capacity byte slice. Transaction
// argument buffers never grow: a call whose arguments do not fit fails to
// encode rather than reallocating.
type Buffer struct {
	buf []byte
	n   int
}

// NewBuffer wraps buf; writes start at offset 0.
func NewBuffer(buf []byte) *Buffer {
	return &Buffer{buf: buf}
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > len(b.buf)-b.n {
		return 0, ErrBufferFull
	}
	copy(b.buf[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	if b.n >= len(b.buf) {
		return ErrBufferFull
	}
	b.buf[b.n] = c
	b.n++
	return nil
}

// Bytes returns the encoded prefix.
func (b *Buffer) Bytes() []byte {
	return b.buf[:b.n]
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	return b.n
}

// Reset rewinds the write cursor to off.
func (b *Buffer) Reset(off int) {
	if off < 0 || off > len(b.buf) {
		off = 0
	}
	b.n = off
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// EncodeUint32 writes one XDR unsigned integer.
func EncodeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// EncodeUint64 writes one XDR unsigned hyper integer.
func EncodeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// EncodeBool writes an XDR boolean.
func EncodeBool(w io.Writer, v bool) error {
	if v {
		return EncodeUint32(w, 1)
	}
	return EncodeUint32(w, 0)
}

// EncodeFixedOpaque writes fixed-length opaque data followed by padding.
func EncodeFixedOpaque(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return writePadding(w, uint32(len(data)))
}

// EncodeOpaque writes variable-length opaque data.
//
// Per RFC 4506 Section 4.10:
// Format: [length:uint32][data:length bytes][padding:0-3 bytes]
func EncodeOpaque(w io.Writer, data []byte) error {
	length := uint32(len(data))
	if err := EncodeUint32(w, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return writePadding(w, length)
}

// EncodeString writes an XDR string.
func EncodeString(w io.Writer, s string) error {
	length := uint32(len(s))
	if err := EncodeUint32(w, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return writePadding(w, length)
}

// EncodeOptionalOpaque encodes optional XDR opaque data.
//
// Format: [present:uint32] if present=1: [length:uint32][data][padding]
func EncodeOptionalOpaque(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return EncodeUint32(w, 0)
	}
	if err := EncodeUint32(w, 1); err != nil {
		return fmt.Errorf("write present flag: %w", err)
	}
	return EncodeOpaque(w, data)
}

func writePadding(w io.Writer, length uint32) error {
	padding := Padding(length)
	if padding == 0 {
		return nil
	}
	var pad [3]byte
	if _, err := w.Write(pad[:padding]); err != nil {
		return fmt.Errorf("write padding: %w", err)
	}
	return nil
}

// Padding returns the number of zero bytes that align length to 4.
func Padding(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}

// Size returns the encoded size of variable-length opaque data of n bytes.
func Size(n int) int {
	return 4 + n + int(Padding(uint32(n)))
}
