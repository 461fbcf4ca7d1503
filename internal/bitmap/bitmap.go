// Package bitmap implements the lock-free slot allocator backing the
// shared-memory region: a fixed number of bits, one per slot, reserved and
// released by concurrent peers without any lock.
//
// Like internal/ring, a Bitmap's words live in a caller-supplied byte
// buffer (Attach) so the allocator itself can sit inside a memory-mapped
// region shared across processes, not just inside one process's heap.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Bitmap is a fixed-size set of bits, one per allocatable slot. A set bit
// means the slot is free. Reserve and Release are safe for concurrent use
// by any number of goroutines (and, once backed by shared memory, any
// number of processes).
type Bitmap struct {
	words []uint64
	bits  int
}

// Size returns the number of bytes Attach needs to back n bits.
func Size(n int) int {
	return ((n + 63) / 64) * 8
}

// New allocates a private (not shared) bitmap of n bits, all initially
// free. Used in-process and by tests; shared bitmaps use Attach against
// mmap'd memory instead.
func New(n int) *Bitmap {
	raw := make([]byte, Size(n))
	b, err := Attach(raw, n)
	if err != nil {
		panic(err)
	}
	b.fillFree()
	return b
}

// Attach views raw as a bitmap of n bits. raw must be at least Size(n)
// bytes. Unlike New, Attach does not initialize the bits — a freshly
// mmap'd, zero-filled region means "every slot taken", so the region owner
// must explicitly mark the whole bitmap free once after creating it (see
// shm.Region), while a peer attaching to an already-initialized region
// must not reset state out from under live allocations.
func Attach(raw []byte, n int) (*Bitmap, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bitmap: n must be positive")
	}
	if len(raw) < Size(n) {
		return nil, fmt.Errorf("bitmap: buffer too small: %d bytes, need %d", len(raw), Size(n))
	}
	nw := (n + 63) / 64
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), nw)
	return &Bitmap{words: words, bits: n}, nil
}

// fillFree marks every valid bit free and every bit beyond n (in the final
// word) permanently taken, so Reserve can never return an out-of-range
// index.
func (b *Bitmap) fillFree() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], ^uint64(0))
	}
	if rem := b.bits % 64; rem != 0 {
		last := &b.words[len(b.words)-1]
		atomic.StoreUint64(last, atomic.LoadUint64(last)&^(^uint64(0)<<uint(rem)))
	}
}

// Init is Attach's companion for the region owner: it (re)marks the whole
// bitmap free. Call exactly once, right after creating (not attaching to)
// the backing region.
func (b *Bitmap) Init() { b.fillFree() }

// Len returns the number of slots the bitmap manages.
func (b *Bitmap) Len() int { return b.bits }

// Reserve claims one free slot and returns its index. It returns false
// (AGAIN, in spec.md terms) when no slot was free at the moment every word
// was scanned. Reserve never blocks: a failed compare-and-swap against one
// candidate bit simply moves on to the next lowest set bit in the same
// word, and a word observed to be zero is skipped rather than retried.
func (b *Bitmap) Reserve() (int, bool) {
	for wi := range b.words {
		w := &b.words[wi]
		for {
			old := atomic.LoadUint64(w)
			if old == 0 {
				break
			}
			bit := bits.TrailingZeros64(old)
			if atomic.CompareAndSwapUint64(w, old, old&^(uint64(1)<<uint(bit))) {
				return wi*64 + bit, true
			}
			// Lost the race for this bit; re-read and try the next
			// candidate in the (possibly changed) word.
		}
	}
	return -1, false
}

// Release returns a slot to the free pool. It is non-blocking and cannot
// fail; releasing an already-free slot is a caller bug but is not detected
// here (matches spec.md's "Release is non-blocking and never fails").
func (b *Bitmap) Release(index int) {
	wi, bit := index/64, index%64
	w := &b.words[wi]
	for {
		old := atomic.LoadUint64(w)
		newVal := old | (uint64(1) << uint(bit))
		if atomic.CompareAndSwapUint64(w, old, newVal) {
			return
		}
	}
}

// Test reports whether a slot is currently free. Intended for diagnostics
// and tests; the result may be stale the instant it's returned under
// concurrent access.
func (b *Bitmap) Test(index int) bool {
	wi, bit := index/64, index%64
	return atomic.LoadUint64(&b.words[wi])&(uint64(1)<<uint(bit)) != 0
}
