package smep

import (
	"fmt"

	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/wire"
)

// translateSegments walks segs accumulating lengths until offset is
// covered, then materializes the sub-segment list needed to cover length
// bytes from there: the first entry clipped to the intra-segment offset,
// subsequent entries full until length is exhausted (spec.md §4.8 steps
// 1, 2, 4). Go slices have no static inline-vs-heap split, so step 3's
// "≤8 uses the inline array" optimization has no counterpart here — the
// slice is simply sized to what's needed.
func translateSegments(segs []wire.Segment, offset, length uint64) ([]wire.Segment, error) {
	if length == 0 {
		return nil, nil
	}

	i := 0
	acc := uint64(0)
	for i < len(segs) && acc+segs[i].Length <= offset {
		acc += segs[i].Length
		i++
	}
	if i >= len(segs) {
		return nil, errs.New(errs.BadArgument, "rma", fmt.Errorf("offset %d beyond handle length", offset))
	}

	intraOff := offset - acc
	remaining := length

	first := wire.Segment{Base: segs[i].Base + uintptr(intraOff), Length: segs[i].Length - intraOff}
	if first.Length > remaining {
		first.Length = remaining
	}
	out := []wire.Segment{first}
	remaining -= first.Length
	i++

	for remaining > 0 {
		if i >= len(segs) {
			return nil, errs.New(errs.BadArgument, "rma", fmt.Errorf("handle too short to cover length %d", length))
		}
		l := segs[i].Length
		if l > remaining {
			l = remaining
		}
		out = append(out, wire.Segment{Base: segs[i].Base, Length: l})
		remaining -= l
		i++
	}
	return out, nil
}

// Put performs a one-sided write of length bytes from local (this
// process's memory, described by localOffset into local) to remote
// (peerPID's memory, described by remoteOffset into remote). remote must
// permit AccessWrite (spec.md §4.8).
func (ep *Endpoint) Put(peerPID uint32, remote wire.Handle, remoteOffset uint64, local wire.Handle, localOffset uint64, length uint64) error {
	if remote.Flags&wire.AccessWrite == 0 {
		return errs.New(errs.PermissionDenied, "rma.put", fmt.Errorf("remote handle does not permit writes"))
	}
	return ep.rmaTransfer(peerPID, local, localOffset, remote, remoteOffset, length, true)
}

// Get performs a one-sided read of length bytes from remote (peerPID's
// memory) into local (this process's memory). remote must permit
// AccessRead (spec.md §4.8).
func (ep *Endpoint) Get(peerPID uint32, remote wire.Handle, remoteOffset uint64, local wire.Handle, localOffset uint64, length uint64) error {
	if remote.Flags&wire.AccessRead == 0 {
		return errs.New(errs.PermissionDenied, "rma.get", fmt.Errorf("remote handle does not permit reads"))
	}
	return ep.rmaTransfer(peerPID, local, localOffset, remote, remoteOffset, length, false)
}
