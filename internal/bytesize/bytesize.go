// Package bytesize provides a byte-count type that parses human-readable
// sizes from configuration ("1Mi", "256Ki", "1MB", or a plain number).
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes.
type ByteSize uint64

// Common binary sizes.
const (
	Ki ByteSize = 1 << 10
	Mi ByteSize = 1 << 20
	Gi ByteSize = 1 << 30
)

var suffixes = []struct {
	name string
	mult ByteSize
}{
	{"Gi", Gi}, {"GiB", Gi}, {"GB", 1e9},
	{"Mi", Mi}, {"MiB", Mi}, {"MB", 1e6},
	{"Ki", Ki}, {"KiB", Ki}, {"KB", 1e3},
	{"B", 1},
}

// ParseByteSize parses a size string. A bare number is taken as bytes.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	for _, sfx := range suffixes {
		if !strings.HasSuffix(s, sfx.name) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(s, sfx.name))
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return ByteSize(n) * sfx.mult, nil
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for config decoding.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// String renders the size with the largest exact binary suffix.
func (b ByteSize) String() string {
	switch {
	case b >= Gi && b%Gi == 0:
		return fmt.Sprintf("%dGi", uint64(b/Gi))
	case b >= Mi && b%Mi == 0:
		return fmt.Sprintf("%dMi", uint64(b/Mi))
	case b >= Ki && b%Ki == 0:
		return fmt.Sprintf("%dKi", uint64(b/Ki))
	default:
		return strconv.FormatUint(uint64(b), 10)
	}
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 { return uint64(b) }

// Int returns the size as an int, for APIs that take plain ints.
func (b ByteSize) Int() int { return int(b) }
