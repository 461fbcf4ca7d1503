package smep

import (
	"fmt"

	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/shm"
	"github.com/smfabric/smep/internal/wire"
)

// SendUnexpected sends buf to dest without a pre-posted receive required
// on the other side (spec.md §4.6).
func (ep *Endpoint) SendUnexpected(dest *Address, buf []byte, tag uint32, op *Operation, cb Callback) error {
	return ep.doSend(wire.OpUnexpectedSend, KindSendUnexpected, dest, buf, tag, op, cb)
}

// SendExpected sends buf to dest, matched on the receiver against a
// pre-posted receive-expected with the same (source, tag) (spec.md §4.6).
func (ep *Endpoint) SendExpected(dest *Address, buf []byte, tag uint32, op *Operation, cb Callback) error {
	return ep.doSend(wire.OpExpectedSend, KindSendExpected, dest, buf, tag, op, cb)
}

func (ep *Endpoint) doSend(wireKind wire.OpKind, kind Kind, dest *Address, buf []byte, tag uint32, op *Operation, cb Callback) error {
	if len(buf) > wire.MaxPayload {
		return errs.New(errs.Overflow, "send", nil)
	}
	if !op.take() {
		return errBusy("send")
	}
	op.kind = kind
	op.callback = cb
	op.buf = buf
	op.tag = tag
	op.source = dest
	dest.hold()

	if ep.trySend(wireKind, op) {
		ep.parkRetry(op)
	}
	return nil
}

// destRegion returns the shared region a's rings live in: the peer's own
// mapped region for an expected address, or this endpoint's own region
// for an unexpected (or loopback) address (spec.md §3's expected/
// unexpected split).
func (a *Address) destRegion() *shm.Region {
	if a.expected {
		return a.region
	}
	return a.ep.region
}

// trySend attempts to deposit op's payload in dest's rx ring (spec.md
// §4.6). It reports true when the send would otherwise block — no free
// copy buffer, or an address resolve that itself returned AGAIN — and
// leaves op untouched (not completed, not queued anywhere) for the caller
// to park. This keeps the "where to park" decision with the caller:
// doSend always parks onto the tail of the retry queue, while
// drainRetryQueue (progress.go) leaves an already-parked op exactly where
// it is, at the head, rather than cycling it to the tail (spec.md §4.5's
// head-of-line blocking — re-parking here would have broken it the same
// way rotating the queue would).
func (ep *Endpoint) trySend(wireKind wire.OpKind, op *Operation) bool {
	dest := op.source

	if addrStatus(dest.status.Load())&statusResolved == 0 {
		if err := ep.resolve(dest); err != nil {
			if errs.IsAgain(err) {
				return true
			}
			dest.release()
			op.complete(Result{Err: err})
			return false
		}
	}

	region := dest.destRegion()
	slot, ok := region.ReserveBuffer()
	if !ok {
		return true
	}

	region.LockBuffer(slot)
	n := copy(region.Buffer(slot), op.buf)
	region.UnlockBuffer(slot)

	hdr := wire.MessageHeader{Tag: op.tag, Length: uint16(n), Slot: uint8(slot), Kind: wireKind}
	if !dest.tx.Push(wire.EncodeMessage(hdr)) {
		// Resolve succeeded but the peer's ring is saturated: per
		// spec.md §4.6 this is propagated, not retried.
		region.ReleaseBuffer(slot)
		dest.release()
		op.complete(Result{Err: errs.New(errs.Unknown, "send", fmt.Errorf("destination ring full"))})
		return false
	}

	if ep.poll != nil {
		if dest.txNotify != nil {
			dest.txNotify.Signal()
		} else if dest == ep.source && ep.txNotify != nil {
			// Loopback has no notifier of its own; the local tx-notify
			// event created at Open wakes the owner on its own
			// completions (spec.md §4.4 step 3).
			ep.txNotify.Signal()
		}
	}

	dest.release()
	op.complete(Result{Tag: op.tag, ActualSize: n})
	return false
}

// parkRetry moves op onto the retry queue (spec.md §4.5, §4.6: "enqueue
// to retry and return success — the operation will complete
// asynchronously").
func (ep *Endpoint) parkRetry(op *Operation) {
	ep.retryMu.Lock()
	op.elem = ep.retryQueue.PushBack(op)
	ep.retryMu.Unlock()
	op.parkedIn = parkRetry
	op.markQueued()
}
