package smep

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/smfabric/smep/internal/control"
	"github.com/smfabric/smep/internal/notify"
	"github.com/smfabric/smep/internal/ring"
	"github.com/smfabric/smep/internal/shm"
	"github.com/smfabric/smep/internal/wire"
)

// addrStatus is the bitset spec.md §3 assigns to an address record.
type addrStatus uint32

const (
	statusReserved  addrStatus = 1 << iota // queue-pair slot claimed
	statusCmdPushed                        // RESERVED command sent/processed
	statusResolved                         // fully wired up, ready to send
)

// Address is one known peer (spec.md §3's "Address record"). Expected
// addresses are locally initiated: this side holds the remote SHM handle
// and owns both notifiers' cleanup. Unexpected addresses are peer-
// initiated: the SHM region is the listener's own, borrowed rather than
// separately mapped, and the queue-pair role is simply "we are the owner"
// instead of "we reserved a slot in someone else's region".
type Address struct {
	ep *Endpoint

	mu sync.Mutex // serializes resolve() steps against duplicate resolves

	pid      uint32
	instance uint8
	expected bool

	region    *shm.Region // remote region (expected) or nil (unexpected: it's ep.region)
	pairIndex int
	rx, tx    *ring.Ring

	txNotify notify.Notifier // signalled to wake the peer
	rxNotify notify.Notifier // registered in the poll set to wake us

	refCount  atomic.Int32
	status    atomic.Uint32
	released  atomic.Bool
	destroyed atomic.Bool

	pollElem *list.Element
}

// addrKey is the address map key: PID and instance packed together.
type addrKey uint64

func keyOf(pid uint32, instance uint8) addrKey {
	return addrKey(pid)<<8 | addrKey(instance)
}

func (a *Address) key() addrKey { return keyOf(a.pid, a.instance) }

// hold increments the reference count (spec.md §3's invariant: refcount
// equals operations-referencing + poll-list-membership + map-membership +
// explicit user holds).
func (a *Address) hold() { a.refCount.Add(1) }

// release decrements the reference count, destroying the address once it
// reaches zero and a RELEASED command has been exchanged (spec.md §3
// lifecycle). Safe to call from any thread. Expected (locally initiated)
// addresses don't wait on an incoming RELEASED: this side is the one
// deciding to tear down, so FreeAddress sends it on the way out instead
// of waiting to receive one.
func (a *Address) release() {
	if a.refCount.Add(-1) > 0 {
		return
	}
	if !a.expected && !a.released.Load() {
		return
	}
	a.destroy()
}

func (a *Address) destroy() {
	if !a.destroyed.CompareAndSwap(false, true) {
		// An expected, resolved address is reachable from both ep.addrMap
		// and ep.pollList; Close() walks them as separate collections, so
		// the same Address can reach here twice.
		return
	}

	a.ep.pollMu.Lock()
	if a.pollElem != nil {
		a.ep.pollList.Remove(a.pollElem)
		if a.rxNotify != nil {
			delete(a.ep.pollByFD, a.rxNotify.FD())
		}
		a.pollElem = nil
	}
	a.ep.pollMu.Unlock()

	if a.ep.poll != nil && a.rxNotify != nil {
		a.ep.poll.Remove(a.rxNotify.FD())
	}
	if a.rxNotify != nil {
		a.rxNotify.Close()
		a.ep.openFDs.Add(-1)
	}
	if a.txNotify != nil {
		a.txNotify.Close()
		a.ep.openFDs.Add(-1)
	}
	if a.expected {
		if a.region != nil {
			a.region.ReleasePair(a.pairIndex)
			a.region.Close()
		}
	} else if a.ep.region != nil {
		a.ep.region.ReleasePair(a.pairIndex)
	}

	if a.expected {
		a.ep.addrMu.Lock()
		if existing, ok := a.ep.addrMap[a.key()]; ok && existing == a {
			delete(a.ep.addrMap, a.key())
		}
		a.ep.addrMu.Unlock()
	}
}

// markReleased records that a RELEASED command has been exchanged for this
// address and, if the reference count already hit zero while waiting for
// it, destroys the address now (spec.md §3 lifecycle: "destroyed when the
// reference count falls to zero *and* a RELEASED command has been
// exchanged").
func (a *Address) markReleased() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	if a.refCount.Load() == 0 {
		a.destroy()
	}
}

// Lookup returns the address record for (pid, instance), creating it if
// this is the first reference, and takes an explicit user hold on it
// (spec.md §3's refcount invariant: "explicit user holds"). Callers must
// pair this with FreeAddress.
func (ep *Endpoint) Lookup(pid uint32, instance uint8) *Address {
	a := ep.lookupOrCreateAddress(pid, instance)
	a.hold()
	return a
}

// FreeAddress drops an explicit user hold. For an expected address that
// reached RESOLVED, it first announces the teardown to the peer (spec.md
// §8 scenario 5: "calls address-free. A RELEASED command arrives at B").
// The command is pushed to both channels, mirroring RESERVED's dual
// delivery (spec.md §4.4 step 3 vs step 4), so a purely-polling peer
// still observes it.
func (ep *Endpoint) FreeAddress(a *Address) {
	if a.expected && addrStatus(a.status.Load())&statusResolved != 0 {
		hdr := wire.CommandHeader{
			OriginPID:      ep.pid,
			OriginInstance: ep.instance,
			PairIndex:      uint8(a.pairIndex),
			Kind:           wire.CmdReleased,
		}
		if a.region != nil {
			a.region.CommandQueue().Push(wire.EncodeCommand(hdr))
		}
		destPath := control.SocketPath(ep.opts.TmpDir, ep.opts.Prefix, ep.user, a.pid, a.instance)
		ep.control.Send(destPath, hdr, nil) // best-effort; errors silenced per spec.md §4.3
	}
	a.release()
}

// lookupOrCreateAddress returns the address record for (pid, instance),
// creating and inserting one under the map's write lock if absent
// (spec.md §5: "insertion takes a write lock and executes the allocation
// callback under that lock to linearize duplicate inserts").
func (ep *Endpoint) lookupOrCreateAddress(pid uint32, instance uint8) *Address {
	k := keyOf(pid, instance)

	ep.addrMu.RLock()
	if a, ok := ep.addrMap[k]; ok {
		ep.addrMu.RUnlock()
		return a
	}
	ep.addrMu.RUnlock()

	ep.addrMu.Lock()
	defer ep.addrMu.Unlock()
	if a, ok := ep.addrMap[k]; ok {
		return a
	}
	a := &Address{ep: ep, pid: pid, instance: instance, expected: true}
	ep.addrMap[k] = a
	return a
}

// SelfAddress returns the string form of this endpoint's own source
// address (spec.md §6: "sm://<pid>/<instance>").
func (ep *Endpoint) SelfAddress() string {
	return wire.Addr{PID: ep.pid, Instance: ep.instance}.String()
}

// resolve wires up an expected address: maps the peer's region, reserves a
// queue-pair slot in it, announces the reservation over the control
// channel, and marks the address RESOLVED (spec.md §4.4). Returns
// errs.Again if any step would otherwise block; callers park the
// operation on the retry queue in that case.
func (ep *Endpoint) resolve(a *Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addrStatus(a.status.Load())&statusResolved != 0 {
		return nil
	}

	if a.region == nil {
		name := shm.Name(ep.opts.Prefix, ep.user, a.pid, a.instance)
		region, err := shm.Open(ep.opts.ShmDir, name)
		if err != nil {
			return err
		}
		a.region = region
	}

	if addrStatus(a.status.Load())&statusReserved == 0 {
		idx, ok := a.region.ReservePair()
		if !ok {
			return again("resolve")
		}
		a.pairIndex = idx
		// We write into the owner's rx ring to send, and read the
		// owner's tx ring to receive (spec.md §4.4 step 2).
		pair := a.region.Pair(idx)
		a.tx = pair.Rx
		a.rx = pair.Tx
		a.status.Store(uint32(addrStatus(a.status.Load()) | statusReserved))
	}

	if addrStatus(a.status.Load())&statusCmdPushed == 0 {
		hdr := wire.CommandHeader{
			OriginPID:      ep.pid,
			OriginInstance: ep.instance,
			PairIndex:      uint8(a.pairIndex),
			Kind:           wire.CmdReserved,
		}
		// Step 3: announce over the peer's own command ring so a purely
		// polling peer (no control-socket fds ever exchanged) still
		// discovers the reservation (spec.md §4.4 step 3).
		a.region.CommandQueue().Push(wire.EncodeCommand(hdr))

		if ep.poll != nil {
			if a.txNotify == nil {
				tn, err := notify.New(ep.fifoBase(a.pairIndex, "tx"))
				if err != nil {
					return err
				}
				a.txNotify = tn
			}
			if a.rxNotify == nil {
				rn, err := notify.New(ep.fifoBase(a.pairIndex, "rx"))
				if err != nil {
					return err
				}
				a.rxNotify = rn
				ep.registerPollAddr(a)
			}
			fds := []int{a.txNotify.FD(), a.rxNotify.FD()}
			ep.openFDs.Add(int32(len(fds)))

			destPath := control.SocketPath(ep.opts.TmpDir, ep.opts.Prefix, ep.user, a.pid, a.instance)
			if err := ep.control.Send(destPath, hdr, fds); err != nil {
				return err
			}
		}
		a.status.Store(uint32(addrStatus(a.status.Load()) | statusCmdPushed))
	}

	a.status.Store(uint32(addrStatus(a.status.Load()) | statusResolved))
	ep.addrMu.Lock()
	ep.addrMap[a.key()] = a
	ep.addrMu.Unlock()
	return nil
}

// registerPollAddr adds a to the poll list, and additionally to the poll
// set if it has a notifier (spec.md §3: "membership entry in the poll
// list"). Poll-list membership itself doesn't require a notifier: a pure
// NoWait endpoint never exchanges fds but still needs a's rx ring swept by
// progressNonBlocking's poll-list walk.
func (ep *Endpoint) registerPollAddr(a *Address) {
	ep.pollMu.Lock()
	defer ep.pollMu.Unlock()
	a.pollElem = ep.pollList.PushBack(a)
	if a.rxNotify != nil {
		ep.pollByFD[a.rxNotify.FD()] = a
		if ep.poll != nil {
			ep.poll.Add(a.rxNotify.FD(), uint64(a.rxNotify.FD()))
		}
	}
	a.hold() // poll-list membership counts toward the refcount
}
