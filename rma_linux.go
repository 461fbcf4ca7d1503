//go:build linux

package smep

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/wire"
)

// rmaTransfer invokes a single cross-process process_vm_readv/writev call
// (spec.md §4.8 step 5). Linux has no single-segment restriction, so
// multi-segment transfers are not rejected here; rma_other.go is where
// spec.md §9's "platforms with neither [a multi-segment nor single-
// segment primitive]" degradation applies.
func (ep *Endpoint) rmaTransfer(peerPID uint32, local wire.Handle, localOffset uint64, remote wire.Handle, remoteOffset uint64, length uint64, write bool) error {
	localSegs, err := translateSegments(local.Segments, localOffset, length)
	if err != nil {
		return err
	}
	remoteSegs, err := translateSegments(remote.Segments, remoteOffset, length)
	if err != nil {
		return err
	}

	localIov := make([]unix.Iovec, len(localSegs))
	for i, s := range localSegs {
		localIov[i].Base = (*byte)(unsafe.Pointer(s.Base))
		localIov[i].SetLen(int(s.Length))
	}
	remoteIov := make([]unix.RemoteIovec, len(remoteSegs))
	for i, s := range remoteSegs {
		remoteIov[i] = unix.RemoteIovec{Base: s.Base, Len: int(s.Length)}
	}

	var n int
	if write {
		n, err = unix.ProcessVMWritev(int(peerPID), localIov, remoteIov, 0)
	} else {
		n, err = unix.ProcessVMReadv(int(peerPID), localIov, remoteIov, 0)
	}
	if err != nil {
		if err == unix.EPERM {
			return errs.New(errs.PermissionDenied, "rma.transfer", fmt.Errorf("%w (host ptrace_scope may restrict cross-process memory access)", err))
		}
		return errs.FromErrno("rma.transfer", err)
	}
	if uint64(n) != length {
		return errs.New(errs.Protocol, "rma.transfer", fmt.Errorf("short transfer: %d of %d bytes", n, length))
	}
	return nil
}
