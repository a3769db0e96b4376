//go:build giouring

// Package reactor, giouring variant: submits IORING_OP_POLL_ADD per
// registered fd instead of epoll_wait, gated behind the same -tags
// giouring build tag as poller_epoll.go's default backend — a
// completion-queue-driven backend in place of the raw-syscall default.
package reactor

import (
	"fmt"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

func newDefaultPoller() (poller, error) {
	ring, err := giouring.CreateRing(256)
	if err != nil {
		return nil, fmt.Errorf("giouring: create ring: %w", err)
	}
	return &giouringPoller{ring: ring, pending: make(map[int]uint64)}, nil
}

// giouringPoller re-arms one IORING_OP_POLL_ADD submission per fd on every
// Wait call, which gives the same level-triggered semantics the epoll
// backend provides (a ready fd keeps firing until its interest mask drops).
type giouringPoller struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	pending map[int]uint64 // fd -> user_data of its outstanding poll sqe
	nextTag uint64
	masks   map[int]uint32
}

func (p *giouringPoller) Add(fd int, mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.masks == nil {
		p.masks = make(map[int]uint32)
	}
	p.masks[fd] = mask
	return p.arm(fd, mask)
}

func (p *giouringPoller) Modify(fd int, mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masks[fd] = mask
	if ud, ok := p.pending[fd]; ok {
		_ = p.cancel(ud)
		delete(p.pending, fd)
	}
	return p.arm(fd, mask)
}

func (p *giouringPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.masks, fd)
	if ud, ok := p.pending[fd]; ok {
		delete(p.pending, fd)
		return p.cancel(ud)
	}
	return nil
}

func (p *giouringPoller) arm(fd int, mask uint32) error {
	sqe := p.ring.GetSQE()
	if sqe == nil {
		if _, err := p.ring.Submit(); err != nil {
			return err
		}
		sqe = p.ring.GetSQE()
		if sqe == nil {
			return fmt.Errorf("giouring: no sqe available for fd %d", fd)
		}
	}
	p.nextTag++
	ud := p.nextTag<<32 | uint64(uint32(fd))
	var pollMask uint32
	if mask&EventReadable != 0 {
		pollMask |= unix.POLLIN
	}
	if mask&EventWritable != 0 {
		pollMask |= unix.POLLOUT
	}
	sqe.PrepPollAdd(uint64(fd), pollMask)
	sqe.UserData = ud
	p.pending[fd] = ud
	return nil
}

func (p *giouringPoller) cancel(userData uint64) error {
	sqe := p.ring.GetSQE()
	if sqe == nil {
		return nil
	}
	sqe.PrepPollRemove(userData)
	sqe.UserData = 0
	return nil
}

func (p *giouringPoller) Wait() (map[int]uint32, error) {
	p.mu.Lock()
	if _, err := p.ring.Submit(); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("giouring: submit: %w", err)
	}
	p.mu.Unlock()

	cqe, err := p.ring.WaitCQE()
	if err != nil {
		return nil, fmt.Errorf("giouring: wait cqe: %w", err)
	}

	ready := make(map[int]uint32)
	p.mu.Lock()
	for {
		fd := int(uint32(cqe.UserData))
		if mask, ok := p.masks[fd]; ok {
			ready[fd] = mask
			delete(p.pending, fd)
			_ = p.arm(fd, mask)
		}
		p.ring.CQESeen(cqe)

		next, err := p.ring.PeekCQE()
		if err != nil || next == nil {
			break
		}
		cqe = next
	}
	p.mu.Unlock()
	return ready, nil
}

func (p *giouringPoller) Close() error {
	p.ring.QueueExit()
	return nil
}
