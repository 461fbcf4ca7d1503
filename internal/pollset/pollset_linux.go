//go:build linux

package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/errs"
)

type epollSet struct {
	epfd int
	tags map[int]uint64
}

// New creates an epoll-backed poll set.
func New() (PollSet, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errs.FromErrno("pollset.new", err)
	}
	return &epollSet{epfd: fd, tags: make(map[int]uint64)}, nil
}

func (p *epollSet) Add(fd int, tag uint64) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errs.FromErrno("pollset.add", err)
	}
	p.tags[fd] = tag
	return nil
}

func (p *epollSet) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.tags, fd)
	if err != nil && err != unix.ENOENT {
		return errs.FromErrno("pollset.remove", err)
	}
	return nil
}

func (p *epollSet) Wait(dst []Event, timeoutMs int) ([]Event, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errs.FromErrno("pollset.wait", err)
	}
	for i := 0; i < n; i++ {
		if tag, ok := p.tags[int(raw[i].Fd)]; ok {
			dst = append(dst, Event{Tag: tag})
		}
	}
	return dst, nil
}

func (p *epollSet) Close() error {
	return unix.Close(p.epfd)
}
