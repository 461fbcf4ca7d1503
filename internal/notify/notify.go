// Package notify implements the per-queue wake handle exchanged between
// peers (spec.md §4, "Event notifier"): a semaphore-style edge signal that
// lets a blocked progress loop wake on a kernel notification rather than
// spin-polling. The primary backend is Linux eventfd; when eventfd is
// unavailable spec.md §6 allows a FIFO-backed fallback under the per-user
// temp directory.
package notify

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
)

// Shared enable/disable state for a notifier, stored in the shared region
// next to the queue pair it wakes. This mirrors the sharedEventFDState
// pattern used by gVisor netstack's sharedmem Rx queue (EnableNotification/
// DisableNotification over an atomic word) so a sender can skip the
// syscall entirely when the peer isn't waiting on it.
const (
	StateUninitialized uint32 = 0
	StateDisabled      uint32 = 1
	StateEnabled       uint32 = 2
)

// Notifier is a wake handle: one side Signals it, the other side Waits on
// its file descriptor (via a poll set) and Drains it once woken.
type Notifier interface {
	// FD returns the descriptor to register with a poll set.
	FD() int
	// Signal wakes anyone blocked on FD.
	Signal() error
	// Drain clears the pending wake count, returning how many signals had
	// accumulated (0 if none were pending).
	Drain() (uint64, error)
	// Owned reports whether this side is responsible for closing the
	// descriptor (spec.md §3: "A flag distinguishes expected addresses...
	// from unexpected addresses", which is exactly the owned/borrowed
	// split this mirrors for notifier lifetime).
	Owned() bool
	Close() error
}

// New creates a local notifier, preferring eventfd and falling back to a
// named FIFO pair when the kernel has no eventfd support (spec.md §6).
func New(fifoPathBase string) (Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err == nil {
		return &eventFD{fd: fd, owned: true}, nil
	}
	if err != unix.ENOSYS {
		return nil, errs.FromErrno("notify.new", err)
	}
	return newFIFO(fifoPathBase, true)
}

// FromFD wraps a descriptor received over the control channel (spec.md
// §4.3: ancillary-data fds). The kernel hands the receiver a new
// descriptor number backed by the same underlying file description, so
// the receiver still owns (and must Close) its own copy to satisfy
// spec.md §3's "open descriptor count must be zero at endpoint close"
// invariant, even though the other side created the eventfd originally.
func FromFD(fd int) Notifier {
	return &eventFD{fd: fd, owned: true}
}

type eventFD struct {
	fd    int
	owned bool
}

func (e *eventFD) FD() int { return e.fd }

func (e *eventFD) Signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return errs.FromErrno("notify.signal", err)
	}
	return nil
}

func (e *eventFD) Drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, errs.FromErrno("notify.drain", err)
	}
	if n != 8 {
		return 0, errs.New(errs.Protocol, "notify.drain", fmt.Errorf("short eventfd read: %d bytes", n))
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (e *eventFD) Owned() bool { return e.owned }

func (e *eventFD) Close() error {
	if !e.owned {
		return nil
	}
	return unix.Close(e.fd)
}

// EnableNotification flips a shared enable/disable word so the remote
// writer knows to Signal after publishing (see the package doc).
func EnableNotification(state *uint32) { atomic.StoreUint32(state, StateEnabled) }

// DisableNotification is EnableNotification's inverse. Nothing in this
// module calls it; a NoWait endpoint simply creates no notifiers.
func DisableNotification(state *uint32) { atomic.StoreUint32(state, StateDisabled) }

// ShouldSignal reports whether the peer has asked to be woken.
func ShouldSignal(state *uint32) bool { return atomic.LoadUint32(state) == StateEnabled }
