//go:build !linux

package smep

import (
	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/wire"
)

// rmaTransfer has no cross-process memory primitive to call on this
// platform. spec.md §9 notes the original uses a Mach-style VM API on
// Darwin for single-segment transfers and gives up entirely elsewhere;
// golang.org/x/sys/unix exposes no equivalent, so this always reports
// operation-not-supported rather than attempting an in-process fallback
// (spec.md §9: "No generic in-process fallback is attempted").
func (ep *Endpoint) rmaTransfer(peerPID uint32, local wire.Handle, localOffset uint64, remote wire.Handle, remoteOffset uint64, length uint64, write bool) error {
	return errs.New(errs.OperationNotSupported, "rma.transfer", nil)
}
