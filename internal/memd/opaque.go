package memd

import "sync/atomic"

// OpaqueAllocator hands out monotonically increasing 32-bit opaque
// values for one session. Every value is distinct until wraparound at
// 2^32, which simply wraps to 0.
type OpaqueAllocator struct {
	next atomic.Uint32
}

// Next returns the next opaque value.
func (a *OpaqueAllocator) Next() uint32 {
	return a.next.Add(1)
}
