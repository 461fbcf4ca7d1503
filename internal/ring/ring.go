// Package ring implements the lock-free multi-producer/multi-consumer ring
// of 64-bit words that backs both the per-queue-pair message rings and the
// per-region command queue (spec.md §4.2). Capacity must be a power of two;
// a slot value of zero is reserved to mean "empty", so zero is not a valid
// payload for Push.
//
// A Ring's counters and slots live in a caller-supplied byte buffer rather
// than in ordinary Go heap fields, because the whole point of this ring is
// to be read and written by another process mapping the same shared-memory
// region (spec.md §3's copy-buffer pool / queue-pair array / command
// queue). Atomics operate on pointers into that buffer directly, the same
// way a seqlock field works against a pointer taken from an mmap'd struct,
// scaled up to a whole ring of counters and slots instead of one field.
package ring

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// counter offsets within the backing buffer.
const (
	offPHead   = 0
	offPTail   = 8
	offCHead   = 16
	offCTail   = 24
	headerSize = 32
)

// Size returns the number of bytes Attach needs for a ring of the given
// capacity.
func Size(capacity int) int {
	return headerSize + capacity*8
}

// Ring is a bounded MPMC queue of non-zero uint64 words, backed by raw
// memory rather than Go-managed fields.
type Ring struct {
	mask  uint64
	slots []uint64 // aliases raw[headerSize:], one element per slot
	pHead *uint64
	pTail *uint64
	cHead *uint64
	cTail *uint64
}

// New allocates a private (not shared) ring of the given capacity. Used by
// in-process callers and tests; cross-process rings use Attach against
// mmap'd memory instead.
func New(capacity int) *Ring {
	raw := make([]byte, Size(capacity))
	r, err := Attach(raw, capacity)
	if err != nil {
		panic(err) // Size() above guarantees raw is large enough
	}
	return r
}

// Attach views raw as a ring of the given capacity. raw must be at least
// Size(capacity) bytes and 8-byte aligned (true for any slice backed by a
// page-aligned mmap, and for any slice returned by make([]byte, ...) of
// length >= 8). The zero value left by a freshly truncated/mmap'd file
// (all zero bytes) is a valid, empty ring: all four counters start at 0
// and every slot reads as empty.
func Attach(raw []byte, capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity must be a power of two, got %d", capacity)
	}
	if len(raw) < Size(capacity) {
		return nil, fmt.Errorf("ring: buffer too small: %d bytes, need %d", len(raw), Size(capacity))
	}
	base := unsafe.Pointer(&raw[0])
	return &Ring{
		mask:  uint64(capacity - 1),
		slots: unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(base)+headerSize)), capacity),
		pHead: (*uint64)(unsafe.Pointer(uintptr(base) + offPHead)),
		pTail: (*uint64)(unsafe.Pointer(uintptr(base) + offPTail)),
		cHead: (*uint64)(unsafe.Pointer(uintptr(base) + offCHead)),
		cTail: (*uint64)(unsafe.Pointer(uintptr(base) + offCTail)),
	}, nil
}

// Cap returns the ring's capacity.
func (r *Ring) Cap() int { return int(r.mask) + 1 }

// Push publishes value, returning false if the ring is full. value must be
// non-zero.
func (r *Ring) Push(value uint64) bool {
	if value == 0 {
		panic("ring: zero is reserved for empty slots")
	}
	var head uint64
	for {
		head = atomic.LoadUint64(r.pHead)
		tail := atomic.LoadUint64(r.cTail)
		if head-tail >= uint64(len(r.slots)) {
			return false
		}
		if atomic.CompareAndSwapUint64(r.pHead, head, head+1) {
			break
		}
	}

	atomic.StoreUint64(&r.slots[head&r.mask], value)

	for atomic.LoadUint64(r.pTail) != head {
		runtime.Gosched()
	}
	atomic.StoreUint64(r.pTail, head+1)
	return true
}

// Pop removes and returns the oldest published value, or (0, false) if the
// ring is currently empty.
func (r *Ring) Pop() (uint64, bool) {
	var head uint64
	for {
		head = atomic.LoadUint64(r.cHead)
		tail := atomic.LoadUint64(r.pTail)
		if head >= tail {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(r.cHead, head, head+1) {
			break
		}
	}

	slot := &r.slots[head&r.mask]
	var value uint64
	for {
		value = atomic.LoadUint64(slot)
		if value != 0 {
			break
		}
		runtime.Gosched()
	}
	atomic.StoreUint64(slot, 0)

	for atomic.LoadUint64(r.cTail) != head {
		runtime.Gosched()
	}
	atomic.StoreUint64(r.cTail, head+1)
	return value, true
}
