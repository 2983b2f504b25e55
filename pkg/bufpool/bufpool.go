// Package bufpool provides pooled byte slices for inbound RPC messages.
//
// Every message the event channels read is staged in a pooled buffer that
// the decode pipeline returns after the request record is built, so the
// steady-state allocation rate of the receive path is near zero. Buffers
// come in three size classes; requests above the largest class fall back
// to plain allocation and are not pooled.
package bufpool

import "sync"

// Size classes. Small covers RPC headers and control calls, medium covers
// typical argument bodies, large covers full-size write payloads.
const (
	SmallSize  = 4 << 10
	MediumSize = 64 << 10
	LargeSize  = 1<<20 + 1<<18
)

var (
	small  = sync.Pool{New: func() any { return make([]byte, SmallSize) }}
	medium = sync.Pool{New: func() any { return make([]byte, MediumSize) }}
	large  = sync.Pool{New: func() any { return make([]byte, LargeSize) }}
)

// Get returns a buffer of exactly size bytes, backed by a pooled slice
// when size fits a class.
func Get(size int) []byte {
	switch {
	case size <= SmallSize:
		return small.Get().([]byte)[:size]
	case size <= MediumSize:
		return medium.Get().([]byte)[:size]
	case size <= LargeSize:
		return large.Get().([]byte)[:size]
	default:
		return make([]byte, size)
	}
}

// GetUint32 is Get for wire-format lengths.
func GetUint32(size uint32) []byte {
	return Get(int(size))
}

// Put returns a buffer to its pool. Buffers that did not come from Get are
// safe to pass; oversized ones are dropped for the GC.
func Put(buf []byte) {
	c := cap(buf)
	switch {
	case c < SmallSize:
		// Not one of ours; let it go.
	case c < MediumSize:
		small.Put(buf[:SmallSize:SmallSize])
	case c < LargeSize:
		medium.Put(buf[:MediumSize:MediumSize])
	case c == LargeSize:
		large.Put(buf[:LargeSize:LargeSize])
	}
}
