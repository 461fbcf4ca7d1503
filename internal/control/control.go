// Package control implements the cross-process control protocol (spec.md
// §4.3): a seqpacket AF_UNIX socket exchanging 8-byte command headers plus,
// when wiring up a new queue pair, two notifier file descriptors passed as
// ancillary data. Every peer both binds its own socket and addresses sends
// to others by path, with a fixed binary header plus SCM_RIGHTS instead of
// a streamed, newline-delimited wire format.
package control

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/wire"
)

// SocketPath derives the deterministic control-socket path spec.md §6
// requires: "<tmp>/<shm_prefix>_<user>/<pid>/<instance>/sock".
func SocketPath(tmpDir, prefix, user string, pid uint32, instance uint8) string {
	return filepath.Join(tmpDir, fmt.Sprintf("%s_%s", prefix, user), fmt.Sprintf("%d", pid), fmt.Sprintf("%d", instance), "sock")
}

// Channel is one endpoint's control socket.
type Channel struct {
	fd   int
	path string // "" if not bound (non-listener)
}

// Listen creates the directory tree for path (if needed) and binds a
// non-blocking seqpacket socket there (spec.md §4.4 step 2: "open the
// bound control socket").
func Listen(path string) (*Channel, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.New(errs.Unknown, "control.listen", err)
	}
	os.Remove(path) // best-effort: drop a stale socket from a dead process

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errs.FromErrno("control.socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errs.FromErrno("control.bind", err)
	}
	return &Channel{fd: fd, path: path}, nil
}

// Dial creates an unbound non-blocking control socket for a non-listening
// endpoint, which can still send to (and receive replies addressed to it
// by path is not possible since it has none — non-listeners are only ever
// initiators, matching spec.md §4.4's resolve path).
func Dial() (*Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errs.FromErrno("control.socket", err)
	}
	return &Channel{fd: fd}, nil
}

// FD returns the descriptor, e.g. for poll-set registration.
func (c *Channel) FD() int { return c.fd }

// Send addresses a command header, plus optional fds, to destPath
// (spec.md §4.3). A send that would block on the kernel's pending-fd-pass
// flood control (ETOOMANYREFS) or on EAGAIN is reported as errs.Again so
// the caller can re-park and retry rather than fail outright.
func (c *Channel) Send(destPath string, hdr wire.CommandHeader, fds []int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], wire.EncodeCommand(hdr))

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	err := unix.Sendmsg(c.fd, buf[:], oob, &unix.SockaddrUnix{Name: destPath}, 0)
	if err != nil {
		return errs.FromErrno("control.send", err)
	}
	return nil
}

// Received is one inbound datagram: a command header plus any fds passed
// alongside it.
type Received struct {
	Header wire.CommandHeader
	FDs    []int
}

// Receive reads one pending datagram. ok is false (with a nil error) if
// nothing was available — spec.md §4.3: "on EAGAIN return 'nothing
// received'". An empty (zero-length) datagram is silently dropped: spec.md
// §9 notes the original leaves this case's intent ("defense against
// malicious peers or a residual case") ambiguous; dropping it is the only
// behavior consistent with both readings.
func (c *Channel) Receive() (Received, bool, error) {
	var buf [8]byte
	oob := make([]byte, unix.CmsgSpace(2*4))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf[:], oob, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return Received{}, false, nil
		}
		return Received{}, false, errs.FromErrno("control.receive", err)
	}
	if n < 8 {
		// A short datagram carries no complete header; treated the same
		// as the empty-datagram case above rather than decoded partially.
		return Received{}, false, nil
	}

	hdr := wire.DecodeCommand(binary.LittleEndian.Uint64(buf[:n]))
	rcv := Received{Header: hdr}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Received{}, false, errs.New(errs.Protocol, "control.receive", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			rcv.FDs = append(rcv.FDs, fds...)
		}
	}
	return rcv, true, nil
}

// Close closes the socket. Errors are silenced on the releasing path per
// spec.md §4.3 ("When releasing, errors are silenced"); Close itself still
// reports them so a listener's initial teardown can detect a real problem.
func (c *Channel) Close() error {
	err := unix.Close(c.fd)
	if c.path != "" {
		os.Remove(c.path)
	}
	if err != nil {
		return errs.FromErrno("control.close", err)
	}
	return nil
}
