// Package shm implements the shared-memory region backing one listening
// endpoint (spec.md §3): a copy-buffer pool, a queue-pair array, and a
// command queue, all reserved through lock-free bitmaps and rings. It
// generalizes a single flat mmap'd struct written by one process and read
// by one peer into the three-region, many-peers-at-once layout spec.md §3
// requires.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/bitmap"
	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/ring"
	"github.com/smfabric/smep/internal/wire"
)

const (
	// NumBufferSlots is the copy-buffer pool size (spec.md §3).
	NumBufferSlots = wire.MaxBufferSlots
	// BufferSlotSize is one page, the largest payload a header can
	// describe (spec.md §3).
	BufferSlotSize = wire.MaxPayload
	// NumQueuePairs is the queue-pair array size (spec.md §3).
	NumQueuePairs = 256
	// MessageRingCapacity is the per-ring slot count within a queue pair.
	// Must be a power of two; not fixed by spec.md, chosen generously
	// relative to the 64-entry buffer pool so the ring is never the
	// binding constraint on in-flight messages.
	MessageRingCapacity = 256
	// CommandRingCapacity is the region-wide command queue size
	// (spec.md §3: "one ... ring of 512 64-bit words").
	CommandRingCapacity = 512
)

// layout offsets, computed once.
var (
	offBufferBitmap  = 0
	offBufferLocks   = offBufferBitmap + bitmap.Size(NumBufferSlots)
	offBuffers       = offBufferLocks + NumBufferSlots*4
	offPairBitmap    = offBuffers + NumBufferSlots*BufferSlotSize
	offPairNotify    = offPairBitmap + bitmap.Size(NumQueuePairs)
	offQueuePairs    = offPairNotify + NumQueuePairs*4
	perPairRingBytes = ring.Size(MessageRingCapacity)
	offCommandQueue  = offQueuePairs + NumQueuePairs*2*perPairRingBytes
	regionSize       = offCommandQueue + ring.Size(CommandRingCapacity)
)

// Size returns the total mmap size of a region.
func Size() int { return regionSize }

// QueuePair is one (rx, tx) ring pair plus a shared notification-state word
// for use with internal/notify's EnableNotification/ShouldSignal. The send
// path in the root package does not consult this word: it signals the
// peer's notifier after every push whenever polling is enabled.
type QueuePair struct {
	Rx          *ring.Ring
	Tx          *ring.Ring
	NotifyState *uint32
}

// Region is one mapped shared-memory region (spec.md §3).
type Region struct {
	file *os.File
	data []byte

	bufferBitmap *bitmap.Bitmap
	bufferLocks  []uint32
	buffers      [][]byte

	pairBitmap *bitmap.Bitmap
	pairs      []QueuePair

	commandQueue *ring.Ring
}

// Name derives the deterministic shared-memory object name spec.md §6
// requires: "<shm_prefix>_<user>-<pid>-<instance>".
func Name(prefix, user string, pid uint32, instance uint8) string {
	return fmt.Sprintf("%s_%s-%d-%d", prefix, user, pid, instance)
}

// DefaultDir is where the platform's shared-memory namespace is mounted.
const DefaultDir = "/dev/shm"

// Create creates and initializes a brand-new region (the listener's own
// region). name is typically the result of Name(...).
func Create(dir, name string) (*Region, error) {
	path := dir + "/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		// Stale region from a crashed process reusing the same pid;
		// spec.md treats SHM state as volatile, so truncate-and-reuse
		// rather than fail the listener open.
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	}
	if err != nil {
		return nil, errs.New(errs.Unknown, "shm.create", err)
	}
	r, err := mapFile(f, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.bufferBitmap.Init()
	r.pairBitmap.Init()
	return r, nil
}

// Open maps an already-existing peer region for read/write access
// (spec.md §4.4 "resolve peer": "Map the peer's SHM region").
func Open(dir, name string) (*Region, error) {
	path := dir + "/" + name
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.FromErrno("shm.open", err)
	}
	return mapFile(f, false)
}

func mapFile(f *os.File, create bool) (*Region, error) {
	if create {
		if err := f.Truncate(int64(regionSize)); err != nil {
			return nil, errs.New(errs.Unknown, "shm.truncate", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.FromErrno("shm.mmap", err)
	}

	r := &Region{file: f, data: data}

	r.bufferBitmap, err = bitmap.Attach(data[offBufferBitmap:], NumBufferSlots)
	if err != nil {
		return nil, err
	}
	r.bufferLocks = unsafe.Slice((*uint32)(unsafe.Pointer(&data[offBufferLocks])), NumBufferSlots)
	r.buffers = make([][]byte, NumBufferSlots)
	for i := 0; i < NumBufferSlots; i++ {
		off := offBuffers + i*BufferSlotSize
		r.buffers[i] = data[off : off+BufferSlotSize]
	}

	r.pairBitmap, err = bitmap.Attach(data[offPairBitmap:], NumQueuePairs)
	if err != nil {
		return nil, err
	}
	notifyStates := unsafe.Slice((*uint32)(unsafe.Pointer(&data[offPairNotify])), NumQueuePairs)
	r.pairs = make([]QueuePair, NumQueuePairs)
	for i := 0; i < NumQueuePairs; i++ {
		base := offQueuePairs + i*2*perPairRingBytes
		rx, err := ring.Attach(data[base:], MessageRingCapacity)
		if err != nil {
			return nil, err
		}
		tx, err := ring.Attach(data[base+perPairRingBytes:], MessageRingCapacity)
		if err != nil {
			return nil, err
		}
		r.pairs[i] = QueuePair{Rx: rx, Tx: tx, NotifyState: &notifyStates[i]}
	}

	r.commandQueue, err = ring.Attach(data[offCommandQueue:], CommandRingCapacity)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close unmaps the region. It does not remove the backing file — other
// processes may still have it mapped; removal is the cleanup sweep's job
// (spec.md §6).
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return errs.FromErrno("shm.munmap", err)
	}
	return r.file.Close()
}

// ReserveBuffer claims a copy-buffer slot (spec.md §4.1).
func (r *Region) ReserveBuffer() (int, bool) { return r.bufferBitmap.Reserve() }

// ReleaseBuffer returns a copy-buffer slot to the free pool.
func (r *Region) ReleaseBuffer(slot int) { r.bufferBitmap.Release(slot) }

// Buffer returns the page backing a reserved slot.
func (r *Region) Buffer(slot int) []byte { return r.buffers[slot] }

// LockBuffer spins until it acquires the per-slot writer lock. Held only
// for the duration of the payload copy (spec.md §5).
func (r *Region) LockBuffer(slot int) {
	l := &r.bufferLocks[slot]
	for !atomic.CompareAndSwapUint32(l, 0, 1) {
	}
}

// UnlockBuffer releases a lock acquired by LockBuffer.
func (r *Region) UnlockBuffer(slot int) {
	atomic.StoreUint32(&r.bufferLocks[slot], 0)
}

// ReservePair claims a queue-pair slot (spec.md §4.1, §4.4 step 2).
func (r *Region) ReservePair() (int, bool) { return r.pairBitmap.Reserve() }

// ReleasePair returns a queue-pair slot to the free pool.
func (r *Region) ReleasePair(idx int) { r.pairBitmap.Release(idx) }

// Pair returns the queue pair at idx.
func (r *Region) Pair(idx int) *QueuePair { return &r.pairs[idx] }

// CommandQueue returns the region's single command ring (spec.md §3).
func (r *Region) CommandQueue() *ring.Ring { return r.commandQueue }

// Fd returns the underlying file descriptor, e.g. for diagnostics.
func (r *Region) Fd() int { return int(r.file.Fd()) }
