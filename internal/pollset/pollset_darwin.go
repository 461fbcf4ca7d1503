//go:build darwin

package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
)

type kqueueSet struct {
	kq   int
	tags map[int]uint64
}

// New creates a kqueue-backed poll set.
func New() (PollSet, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errs.FromErrno("pollset.new", err)
	}
	return &kqueueSet{kq: kq, tags: make(map[int]uint64)}, nil
}

func (p *kqueueSet) Add(fd int, tag uint64) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return errs.FromErrno("pollset.add", err)
	}
	p.tags[fd] = tag
	return nil
}

func (p *kqueueSet) Remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	delete(p.tags, fd)
	if err != nil && err != unix.ENOENT {
		return errs.FromErrno("pollset.remove", err)
	}
	return nil
}

func (p *kqueueSet) Wait(dst []Event, timeoutMs int) ([]Event, error) {
	var raw [64]unix.Kevent_t
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errs.FromErrno("pollset.wait", err)
	}
	for i := 0; i < n; i++ {
		if tag, ok := p.tags[int(raw[i].Ident)]; ok {
			dst = append(dst, Event{Tag: tag})
		}
	}
	return dst, nil
}

func (p *kqueueSet) Close() error {
	return unix.Close(p.kq)
}
