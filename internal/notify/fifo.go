package notify

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
)

// fifoNotifier backs a Notifier with a pair of named FIFOs when eventfd is
// unavailable (spec.md §6: "Optional FIFO backing ... fifo-<pair_index>-
// {r,t}"). A single byte written to the write end is the edge signal; Drain
// reads (and discards) every byte currently buffered.
type fifoNotifier struct {
	readPath, writePath string
	rfd, wfd            int
	owned               bool
}

func newFIFO(pathBase string, owned bool) (Notifier, error) {
	readPath := pathBase + "-r"
	writePath := pathBase + "-t"

	for _, p := range []string{readPath, writePath} {
		if err := unix.Mkfifo(p, 0o600); err != nil && err != unix.EEXIST {
			return nil, errs.FromErrno("notify.fifo.mkfifo", err)
		}
	}

	rfd, err := unix.Open(readPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errs.FromErrno("notify.fifo.open-read", err)
	}
	wfd, err := unix.Open(writePath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(rfd)
		return nil, errs.FromErrno("notify.fifo.open-write", err)
	}

	return &fifoNotifier{
		readPath: readPath, writePath: writePath,
		rfd: rfd, wfd: wfd, owned: owned,
	}, nil
}

func (f *fifoNotifier) FD() int { return f.rfd }

func (f *fifoNotifier) Signal() error {
	_, err := unix.Write(f.wfd, []byte{1})
	if err != nil {
		return errs.FromErrno("notify.fifo.signal", err)
	}
	return nil
}

func (f *fifoNotifier) Drain() (uint64, error) {
	var buf [64]byte
	var total uint64
	for {
		n, err := unix.Read(f.rfd, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, errs.FromErrno("notify.fifo.drain", err)
		}
		if n == 0 {
			return total, nil
		}
		total += uint64(n)
	}
}

func (f *fifoNotifier) Owned() bool { return f.owned }

func (f *fifoNotifier) Close() error {
	unix.Close(f.rfd)
	unix.Close(f.wfd)
	if !f.owned {
		return nil
	}
	os.Remove(f.readPath)
	os.Remove(f.writePath)
	return nil
}
