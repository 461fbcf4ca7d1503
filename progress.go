package smep

import (
	"container/list"
	"time"

	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/notify"
	"github.com/smfabric/smep/internal/pollset"
	"github.com/smfabric/smep/internal/wire"
)

// Progress advances outstanding work (spec.md §4.5). It blocks up to
// timeoutMs (0: a single non-blocking sweep, negative: forever) and
// returns Timeout if nothing progressed before the deadline.
func (ep *Endpoint) Progress(timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	for {
		var progressed bool
		var err error
		if ep.poll != nil {
			progressed, err = ep.progressBlocking(remainingMs(timeoutMs, deadline))
		} else {
			progressed, err = ep.progressNonBlocking()
		}
		if err != nil {
			return err
		}
		if ep.drainRetryQueue() {
			progressed = true
		}
		if progressed {
			return nil
		}
		if timeoutMs >= 0 && !time.Now().Before(deadline) {
			return errs.New(errs.Timeout, "progress", nil)
		}
		if timeoutMs == 0 {
			return errs.New(errs.Timeout, "progress", nil)
		}
	}
}

func remainingMs(timeoutMs int, deadline time.Time) int {
	if timeoutMs < 0 {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return int(d / time.Millisecond)
}

// progressNonBlocking is one sweep of the poll list (and, if listening,
// the command queue) with no kernel wait (spec.md §4.5 "Non-blocking
// progress").
func (ep *Endpoint) progressNonBlocking() (bool, error) {
	progressed := false

	ep.pollMu.Lock()
	addrs := make([]*Address, 0, ep.pollList.Len())
	for e := ep.pollList.Front(); e != nil; e = e.Next() {
		addrs = append(addrs, e.Value.(*Address))
	}
	ep.pollMu.Unlock()

	for _, a := range addrs {
		for ep.drainOneFromAddress(a) {
			progressed = true
		}
	}

	if ep.source != nil && ep.source.rx != nil {
		for ep.drainOneFromAddress(ep.source) {
			progressed = true
		}
	}

	if ep.region != nil {
		for ep.drainOneCommand() {
			progressed = true
		}
	}
	return progressed, nil
}

// progressBlocking poll-waits up to timeoutMs and dispatches fired
// events by tag (spec.md §4.5 "Blocking progress").
func (ep *Endpoint) progressBlocking(timeoutMs int) (bool, error) {
	var events []pollset.Event
	events, err := ep.poll.Wait(events[:0], timeoutMs)
	if err != nil {
		return false, err
	}

	progressed := false
	for _, ev := range events {
		fd := int(ev.Tag)
		switch {
		case ep.control != nil && fd == ep.control.FD():
			for ep.drainOneCommand() {
				progressed = true
			}
		case ep.txNotify != nil && fd == ep.txNotify.FD():
			ep.txNotify.Drain()
			if ep.source != nil && ep.source.rx != nil {
				for ep.drainOneFromAddress(ep.source) {
					progressed = true
				}
			}
			progressed = true
		default:
			ep.pollMu.Lock()
			a := ep.pollByFD[fd]
			ep.pollMu.Unlock()
			if a == nil {
				continue
			}
			a.rxNotify.Drain()
			for ep.drainOneFromAddress(a) {
				progressed = true
			}
		}
	}
	return progressed, nil
}

// drainOneCommand pops and processes one command-queue entry, returning
// whether one was available (spec.md §4.5 "Command processing"). The
// ring entry alone carries the header; when the sender also had polling
// enabled it additionally sent the same announcement over the control
// socket together with the two notifier fds (spec.md §4.4 step 4), which
// this opportunistically picks up in the same pass.
func (ep *Endpoint) drainOneCommand() bool {
	v, ok := ep.region.CommandQueue().Pop()
	if !ok {
		return false
	}
	hdr := wire.DecodeCommand(v)

	var fds []int
	if rcv, gotOne, err := ep.control.Receive(); err == nil && gotOne {
		fds = rcv.FDs
	}

	switch hdr.Kind {
	case wire.CmdReserved:
		ep.handleReserved(hdr, fds)
	case wire.CmdReleased:
		ep.handleReleased(hdr)
	}
	return true
}

// handleReserved creates the unexpected address for a peer that has just
// claimed a queue-pair slot in our region (spec.md §4.5).
func (ep *Endpoint) handleReserved(hdr wire.CommandHeader, fds []int) {
	a := &Address{
		ep:        ep,
		pid:       hdr.OriginPID,
		instance:  hdr.OriginInstance,
		expected:  false,
		pairIndex: int(hdr.PairIndex),
	}
	pair := ep.region.Pair(a.pairIndex)
	a.rx = pair.Rx
	a.tx = pair.Tx

	if len(fds) == 2 {
		a.rxNotify = notify.FromFD(fds[0]) // peer's tx: we drain it
		a.txNotify = notify.FromFD(fds[1]) // peer's rx: we signal it
		ep.openFDs.Add(2)
	}
	// Poll-list membership doesn't depend on having a notifier: a NoWait
	// peer never exchanges fds, but this address's rx ring still has to be
	// swept by progressNonBlocking's poll-list walk (spec.md §4.5).
	ep.registerPollAddr(a)
	a.status.Store(uint32(statusReserved | statusCmdPushed | statusResolved))
}

// handleReleased drops a peer's address once it has dropped its end of a
// queue pair (spec.md §4.5).
func (ep *Endpoint) handleReleased(hdr wire.CommandHeader) {
	ep.pollMu.Lock()
	var match *Address
	for e := ep.pollList.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Address)
		if a.pid == hdr.OriginPID && a.instance == hdr.OriginInstance && a.pairIndex == int(hdr.PairIndex) {
			match = a
			break
		}
	}
	ep.pollMu.Unlock()
	if match == nil {
		return
	}
	match.markReleased()
	match.release()
}

// drainOneFromAddress pops and dispatches one message-ring entry from a's
// rx ring (spec.md §4.5 "Receive ring dispatch").
func (ep *Endpoint) drainOneFromAddress(a *Address) bool {
	v, ok := a.rx.Pop()
	if !ok {
		return false
	}
	hdr := wire.DecodeMessage(v)
	region := a.destRegion()
	payload := region.Buffer(int(hdr.Slot))[:hdr.Length]

	switch hdr.Kind {
	case wire.OpUnexpectedSend:
		ep.dispatchUnexpected(a, hdr, payload, region)
	case wire.OpExpectedSend:
		ep.dispatchExpected(a, hdr, payload, region)
	}
	return true
}

func (ep *Endpoint) dispatchUnexpected(a *Address, hdr wire.MessageHeader, payload []byte, region interface {
	ReleaseBuffer(int)
}) {
	ep.unexpOpMu.Lock()
	var op *Operation
	if e := ep.unexpOpQueue.Front(); e != nil {
		op = e.Value.(*Operation)
		ep.unexpOpQueue.Remove(e)
	}
	ep.unexpOpMu.Unlock()

	if op != nil {
		a.hold()
		n := copy(op.buf, payload)
		region.ReleaseBuffer(int(hdr.Slot))
		op.complete(Result{Tag: hdr.Tag, ActualSize: n, Source: a})
		return
	}

	held := make([]byte, len(payload))
	copy(held, payload)
	region.ReleaseBuffer(int(hdr.Slot))

	ep.unexpMsgMu.Lock()
	ep.unexpMsgQueue.PushBack(&unexpectedInfo{tag: hdr.Tag, source: a, data: held})
	ep.unexpMsgMu.Unlock()
}

func (ep *Endpoint) dispatchExpected(a *Address, hdr wire.MessageHeader, payload []byte, region interface {
	ReleaseBuffer(int)
}) {
	ep.expOpMu.Lock()
	var match *list.Element
	for e := ep.expOpQueue.Front(); e != nil; e = e.Next() {
		op := e.Value.(*Operation)
		// Matched by peer identity rather than Address pointer: the
		// caller posts recv-expected against the address it obtained
		// from Lookup (the locally-initiated record for that peer), but
		// the arriving send is dispatched through the peer-initiated
		// record handleReserved created for this queue pair. Both name
		// the same (pid, instance) peer, so that's what decides the
		// match (spec.md §4.5's "sender address" is peer identity, not
		// a specific record instance).
		if op.source.pid == a.pid && op.source.instance == a.instance && op.tag == hdr.Tag {
			match = e
			break
		}
	}
	var op *Operation
	if match != nil {
		op = match.Value.(*Operation)
		ep.expOpQueue.Remove(match)
	}
	ep.expOpMu.Unlock()

	if op == nil {
		// spec.md §4.5: "No match is a protocol error." There is no
		// operation to report it on; the payload is still released so
		// the buffer pool doesn't leak.
		region.ReleaseBuffer(int(hdr.Slot))
		return
	}
	n := copy(op.buf, payload)
	region.ReleaseBuffer(int(hdr.Slot))
	op.source.release()
	op.complete(Result{Tag: hdr.Tag, ActualSize: n})
}

// drainRetryQueue retries each parked send in order, stopping at the
// first one that still isn't ready (spec.md §4.5: "head-of-line
// blocking, deliberate — preserves per-destination ordering").
func (ep *Endpoint) drainRetryQueue() bool {
	progressed := false
	for {
		ep.retryMu.Lock()
		front := ep.retryQueue.Front()
		var op *Operation
		if front != nil {
			op = front.Value.(*Operation)
		}
		ep.retryMu.Unlock()
		if op == nil {
			return progressed
		}

		if op.Canceled() {
			ep.retryMu.Lock()
			ep.retryQueue.Remove(front)
			ep.retryMu.Unlock()
			op.source.release()
			op.complete(Result{Canceled: true})
			progressed = true
			continue
		}

		wireKind := wire.OpUnexpectedSend
		if op.kind == KindSendExpected {
			wireKind = wire.OpExpectedSend
		}

		// op stays at the head of the queue until trySend actually
		// disposes of it one way or another: resolving the address
		// doesn't guarantee a free copy buffer, so checking readiness
		// and performing the send must be the same atomic decision (see
		// trySend's doc comment) rather than two separate steps that can
		// disagree with each other.
		if ep.trySend(wireKind, op) {
			return progressed
		}

		ep.retryMu.Lock()
		ep.retryQueue.Remove(front)
		ep.retryMu.Unlock()
		op.parkedIn = parkNone
		progressed = true
	}
}
