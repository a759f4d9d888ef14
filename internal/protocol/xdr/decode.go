package xdr

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ============================================================================
// XDR Decoding Helpers - Wire Format → Go Values
// ============================================================================

// maxOpaqueLength bounds variable-length opaque data read from the wire.
// A single UDP datagram can never carry more than this.
const maxOpaqueLength = 64 * 1024

// DecodeUint32 reads one XDR unsigned integer.
func DecodeUint32(reader io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// DecodeUint64 reads one XDR unsigned hyper integer.
func DecodeUint64(reader io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// DecodeBool reads an XDR boolean. Any value other than 0 or 1 is an error.
func DecodeBool(reader io.Reader) (bool, error) {
	v, err := DecodeUint32(reader)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean %d", v)
	}
}

// DecodeFixedOpaque reads len(dst) bytes of fixed-length opaque data plus
// its padding.
func DecodeFixedOpaque(reader io.Reader, dst []byte) error {
	if _, err := io.ReadFull(reader, dst); err != nil {
		return fmt.Errorf("read data: %w", err)
	}
	return skipPadding(reader, uint32(len(dst)))
}

// DecodeOpaque decodes XDR variable-length opaque data.
//
// Per RFC 4506 Section 4.10 (Variable-Length Opaque Data):
// Format: [length:uint32][data:length bytes][padding:0-3 bytes]
func DecodeOpaque(reader io.Reader) ([]byte, error) {
	return DecodeOpaqueMax(reader, maxOpaqueLength)
}

// DecodeOpaqueMax is DecodeOpaque with a protocol-specific upper bound
// (e.g. MAXNAMLEN for file names).
func DecodeOpaqueMax(reader io.Reader, max uint32) ([]byte, error) {
	length, err := DecodeUint32(reader)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	if length > max {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, max)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	if err := skipPadding(reader, length); err != nil {
		return nil, err
	}

	return data, nil
}

// DecodeString decodes XDR variable-length string.
func DecodeString(reader io.Reader) (string, error) {
	data, err := DecodeOpaque(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeStringMax decodes a string no longer than max bytes.
func DecodeStringMax(reader io.Reader, max uint32) (string, error) {
	data, err := DecodeOpaqueMax(reader, max)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeOpaqueInto reads variable-length opaque data into dst without
// allocating. It fails if the encoded length exceeds len(dst).
func DecodeOpaqueInto(reader io.Reader, dst []byte) (int, error) {
	length, err := DecodeUint32(reader)
	if err != nil {
		return 0, fmt.Errorf("read length: %w", err)
	}
	if length > uint32(len(dst)) {
		return 0, fmt.Errorf("opaque length %d exceeds buffer %d", length, len(dst))
	}
	if _, err := io.ReadFull(reader, dst[:length]); err != nil {
		return 0, fmt.Errorf("read data: %w", err)
	}
	if err := skipPadding(reader, length); err != nil {
		return 0, err
	}
	return int(length), nil
}

func skipPadding(reader io.Reader, length uint32) error {
	padding := Padding(length)
	if padding == 0 {
		return nil
	}
	var pad [3]byte
	if _, err := io.ReadFull(reader, pad[:padding]); err != nil {
		return fmt.Errorf("skip padding: %w", err)
	}
	return nil
}
