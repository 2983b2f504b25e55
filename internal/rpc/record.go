package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFragmentSize caps RPC record-marking fragments. It must exceed the
// largest advertised transfer size plus header overhead.
const MaxFragmentSize = (1 << 20) + (1 << 18)

// FragmentHeader is a parsed RPC record-marking header: bit 31 flags the
// last fragment, bits 0-30 carry the fragment length.
type FragmentHeader struct {
	IsLast bool
	Length uint32
}

// ReadFragmentHeader reads the 4-byte record mark from r. EOF is returned
// unwrapped so callers can detect normal client disconnect.
func ReadFragmentHeader(r io.Reader) (FragmentHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FragmentHeader{}, err
	}
	h := binary.BigEndian.Uint32(buf[:])
	return FragmentHeader{
		IsLast: h&0x80000000 != 0,
		Length: h & 0x7FFFFFFF,
	}, nil
}

// ValidateFragmentSize rejects fragments that would exhaust memory.
func ValidateFragmentSize(length uint32) error {
	if length > MaxFragmentSize {
		return fmt.Errorf("fragment too large: %d bytes", length)
	}
	return nil
}

// WriteRecord writes msg as a single last-fragment record.
func WriteRecord(w io.Writer, msg []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg))|0x80000000)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write record mark: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	return nil
}
