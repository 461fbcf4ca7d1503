package smep

// Cancel cooperatively cancels op (spec.md §4.9). If op already completed,
// this is a no-op (spec.md §5: "a canceled-but-already-completed operation
// still completes with its original result"). Otherwise it is removed from
// whichever queue currently parks it and completed with a canceled result.
// RMA operations cannot be canceled: they run synchronously on the calling
// goroutine and are never parked.
func (ep *Endpoint) Cancel(op *Operation) {
	for {
		cur := opStatus(op.status.Load())
		if cur&statusCompleted != 0 {
			return // already completed (cancel raced and lost) or idle
		}
		if op.status.CompareAndSwap(uint32(cur), uint32(cur|statusCanceled)) {
			break
		}
	}

	switch op.parkedIn {
	case parkUnexpectedOp:
		ep.unexpOpMu.Lock()
		removed := op.elem != nil
		if removed {
			ep.unexpOpQueue.Remove(op.elem)
		}
		ep.unexpOpMu.Unlock()
		if removed {
			op.parkedIn = parkNone
			op.complete(Result{Canceled: true})
		}
	case parkExpectedOp:
		ep.expOpMu.Lock()
		removed := op.elem != nil
		if removed {
			ep.expOpQueue.Remove(op.elem)
		}
		ep.expOpMu.Unlock()
		if removed {
			op.parkedIn = parkNone
			if op.source != nil {
				op.source.release()
			}
			op.complete(Result{Canceled: true})
		}
	case parkRetry:
		// Left in place: drainRetryQueue (progress.go) checks Canceled()
		// before attempting the send and completes it there, preserving
		// the retry queue's head-of-line ordering.
	}
}
