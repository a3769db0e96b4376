//go:build !giouring

package reactor

import "golang.org/x/sys/unix"

// newDefaultPoller returns the epoll-backed poller. Built whenever -tags
// giouring is not passed, mirroring a real/stub backend split where
// the plain build is the minimal raw-syscall backend and giouring is opt-in.
func newDefaultPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

type epollPoller struct {
	epfd   int
	events [256]unix.EpollEvent
}

func toEpollEvents(mask uint32) uint32 {
	var e uint32
	if mask&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if mask&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) uint32 {
	var mask uint32
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= EventReadable
	}
	if e&unix.EPOLLOUT != 0 {
		mask |= EventWritable
	}
	return mask
}

func (p *epollPoller) Add(fd int, mask uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(mask),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Modify(fd int, mask uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(mask),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait() (map[int]uint32, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make(map[int]uint32, n)
		for i := 0; i < n; i++ {
			ev := p.events[i]
			ready[int(ev.Fd)] = fromEpollEvents(ev.Events)
		}
		return ready, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
