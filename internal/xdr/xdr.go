// Package xdr provides the small set of XDR (RFC 4506) primitives the RPC
// layer decodes and encodes by hand. Procedure argument bodies go through
// github.com/rasky/go-xdr; the RPC call/reply headers are hot-path enough
// that they are walked directly with these helpers.
package xdr

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxOpaqueLength bounds variable-length fields in RPC headers. Credential
// and verifier bodies are capped at 400 bytes by RFC 5531; we allow slack
// for GSS tokens carried in call bodies.
const maxOpaqueLength = 1 << 20

// DecodeUint32 reads one big-endian XDR unsigned integer.
func DecodeUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// DecodeOpaque reads XDR variable-length opaque data:
// [length][bytes][0-3 bytes padding to a 4-byte boundary].
func DecodeOpaque(r io.Reader) ([]byte, error) {
	length, err := DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxOpaqueLength {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueLength)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	if err := skipPadding(r, length); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeString reads an XDR string (opaque bytes interpreted as UTF-8).
func DecodeString(r io.Reader) (string, error) {
	b, err := DecodeOpaque(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeUint32 writes one big-endian XDR unsigned integer.
func EncodeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// EncodeOpaque writes XDR variable-length opaque data with padding.
func EncodeOpaque(w io.Writer, data []byte) error {
	if err := EncodeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if pad := Padding(uint32(len(data))); pad > 0 {
		var zeros [3]byte
		if _, err := w.Write(zeros[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// Padding returns the number of zero bytes that follow length bytes of
// payload to reach 4-byte alignment.
func Padding(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}

func skipPadding(r io.Reader, length uint32) error {
	pad := Padding(length)
	if pad == 0 {
		return nil
	}
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:pad]); err != nil {
		return fmt.Errorf("skip padding: %w", err)
	}
	return nil
}
