// Package reactor implements the IO-MUX event reactor (spec.md 4.1): a
// level-triggered readiness loop over registered descriptors, dispatched in
// registration order, with a self-pipe wakeup safe to call from any thread.
//
// The default backend polls via epoll (internal/reactor/poller_epoll.go,
// golang.org/x/sys/unix) in a direct raw-syscall style. An alternate
// backend built with -tags giouring submits IORING_OP_POLL_ADD per fd
// instead (poller_giouring.go); the backend is fixed at build time by
// whichever newDefaultPoller is linked in.
package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/interfaces"
)

// event bits, independent of the backend's native representation.
const (
	EventReadable uint32 = 1 << 0
	EventWritable uint32 = 1 << 1
)

// poller is the minimal backend contract a reactor needs. Exactly one
// implementation is linked in depending on build tags.
type poller interface {
	Add(fd int, events uint32) error
	Modify(fd int, events uint32) error
	Remove(fd int) error
	// Wait blocks until at least one registered fd is ready (or the reactor
	// is woken), returning the set of ready fds and their events.
	Wait() (map[int]uint32, error)
	Close() error
}

// Reactor runs the IO-MUX event loop. All registrant hooks execute on the
// goroutine that calls Run (spec.md 5: "one dedicated thread runs the
// reactor loop").
type Reactor struct {
	logger interfaces.Logger

	mu          sync.Mutex
	registrants []interfaces.Registrant
	registered  map[int]uint32 // fd -> last-registered event mask

	poller   poller
	wakeupR  int
	wakeupW  int
	shutdown bool
}

// New creates a reactor using the default (epoll) backend.
func New(logger interfaces.Logger) (*Reactor, error) {
	return newWithPoller(logger, nil)
}

func newWithPoller(logger interfaces.Logger, p poller) (*Reactor, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: self-pipe: %w", err)
	}

	if p == nil {
		var err error
		p, err = newDefaultPoller()
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("reactor: backend init: %w", err)
		}
	}

	r := &Reactor{
		logger:     logger,
		registered: make(map[int]uint32),
		poller:     p,
		wakeupR:    fds[0],
		wakeupW:    fds[1],
	}
	if err := r.poller.Add(r.wakeupR, EventReadable); err != nil {
		return nil, fmt.Errorf("reactor: register self-pipe: %w", err)
	}
	return r, nil
}

// Register adds a registrant to the reactor. Dispatch order on each pass
// follows registration order.
func (r *Reactor) Register(reg interfaces.Registrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrants = append(r.registrants, reg)
}

// Wakeup forces the next (or in-progress) Wait to return immediately. Safe
// to call from any goroutine.
func (r *Reactor) Wakeup() {
	var b [1]byte
	_, _ = unix.Write(r.wakeupW, b[:])
}

// Shutdown asks the reactor to stop after its current pass drains.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.Wakeup()
}

// Close releases the reactor's own fds (self-pipe, poller). Registrants must
// already have been removed/closed.
func (r *Reactor) Close() error {
	unix.Close(r.wakeupR)
	unix.Close(r.wakeupW)
	return r.poller.Close()
}

// Run executes passes until ctx is done or Shutdown is called and every
// registrant has drained and been removed.
func (r *Reactor) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// SIGHUP/SIGPIPE are blocked on the reactor thread so the supervising
	// thread (not this loop) observes them (spec.md 5).
	var set unix.Sigset_t
	sigAddset(&set, unix.SIGHUP)
	sigAddset(&set, unix.SIGPIPE)
	_ = unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)

	// Wait has no timeout, so a cancelled ctx wakes the blocked pass.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.Wakeup()
		case <-stop:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.pass(); err != nil {
			return err
		}

		r.mu.Lock()
		done := r.shutdown && len(r.registrants) == 0
		r.mu.Unlock()
		if done {
			return nil
		}
	}
}

func (r *Reactor) pass() error {
	r.mu.Lock()
	regs := append([]interfaces.Registrant(nil), r.registrants...)
	r.mu.Unlock()

	wantMask := make(map[int]uint32, len(regs))
	for _, reg := range regs {
		var mask uint32
		if reg.Readable() {
			mask |= EventReadable
		}
		if reg.Writable() {
			mask |= EventWritable
		}
		if mask != 0 {
			wantMask[reg.FD()] = mask
		}
	}
	if err := r.syncRegistrations(wantMask); err != nil {
		return err
	}

	ready, err := r.poller.Wait()
	if err != nil {
		return err
	}

	// Drain the self-pipe if it woke us.
	if _, ok := ready[r.wakeupR]; ok {
		var buf [64]byte
		for {
			n, _ := unix.Read(r.wakeupR, buf[:])
			if n <= 0 {
				break
			}
		}
		delete(ready, r.wakeupR)
	}

	var toRemove []int
	for i, reg := range regs {
		events, isReady := ready[reg.FD()]
		if isReady && events&EventReadable != 0 && reg.Readable() {
			if err := reg.HandleRead(); err != nil && r.logger != nil {
				r.logger.Errorf("reactor: registrant %d handle_read: %v", reg.FD(), err)
			}
		}
		if isReady && events&EventWritable != 0 && reg.Writable() {
			if err := reg.HandleWrite(); err != nil && r.logger != nil {
				r.logger.Errorf("reactor: registrant %d handle_write: %v", reg.FD(), err)
			}
		}
		if reg.ShuttingDown() && !reg.Readable() && !reg.Writable() {
			toRemove = append(toRemove, i)
		}
	}

	if len(toRemove) > 0 {
		r.removeAt(regs, toRemove)
	}
	return nil
}

// removeAt removes the registrants at the given indices (into the regs
// snapshot taken at the top of pass) from the live list and closes them.
func (r *Reactor) removeAt(regs []interfaces.Registrant, idx []int) {
	remove := make(map[interfaces.Registrant]bool, len(idx))
	for _, i := range idx {
		remove[regs[i]] = true
	}

	r.mu.Lock()
	kept := r.registrants[:0]
	for _, reg := range r.registrants {
		if !remove[reg] {
			kept = append(kept, reg)
		}
	}
	r.registrants = kept
	r.mu.Unlock()

	for reg := range remove {
		fd := reg.FD()
		_ = r.poller.Remove(fd)
		delete(r.registered, fd)
		if err := reg.Close(); err != nil && r.logger != nil {
			r.logger.Errorf("reactor: close registrant %d: %v", fd, err)
		}
	}
}

func (r *Reactor) syncRegistrations(want map[int]uint32) error {
	for fd, mask := range want {
		if _, ok := r.registered[fd]; !ok {
			if err := r.poller.Add(fd, mask); err != nil {
				return fmt.Errorf("reactor: add fd %d: %w", fd, err)
			}
			r.registered[fd] = mask
			continue
		}
		if r.registered[fd] != mask {
			if err := r.poller.Modify(fd, mask); err != nil {
				return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
			}
			r.registered[fd] = mask
		}
	}
	for fd := range r.registered {
		if fd == r.wakeupR {
			continue
		}
		if _, ok := want[fd]; !ok {
			_ = r.poller.Remove(fd)
			delete(r.registered, fd)
		}
	}
	return nil
}

func sigAddset(set *unix.Sigset_t, sig unix.Signal) {
	// unix.Sigset_t is a fixed-size bitmap; signals are 1-indexed.
	bit := uint(sig) - 1
	word := bit / 32
	set.Val[word] |= 1 << (bit % 32)
}
