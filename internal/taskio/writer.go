// Package taskio implements the IO-MUX per-task stdio endpoints (spec.md
// 4.4): TaskWriter drives a task's stdin pipe, TaskReader drains a task's
// stdout/stderr pipe into a line-framing circular buffer. Both are
// reactor.Registrant implementations, each a per-task state machine with
// one mutex and pre-sized buffers; TaskReader.HandleRead still allocates a
// scratch slice for each read.
package taskio

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/bufpool"
	"github.com/pdesr/slurm/internal/interfaces"
)

// TaskWriter feeds a single task's stdin pipe (spec.md 4.4, 3: TaskWriter).
type TaskWriter struct {
	mu         sync.Mutex
	pipeFD     int
	pool       *bufpool.Pool
	queue      []*bufpool.IoBuf
	pendingMsg *bufpool.IoBuf
	offset     uint32
	closed     bool
	logger     interfaces.Logger
}

// NewWriter wraps a task's stdin pipe fd.
func NewWriter(pipeFD int, pool *bufpool.Pool, logger interfaces.Logger) *TaskWriter {
	return &TaskWriter{pipeFD: pipeFD, pool: pool, logger: logger}
}

// Enqueue appends a buffer to the write queue. The caller must have already
// taken a reference (Acquire or Retain) for this queue slot.
func (w *TaskWriter) Enqueue(buf *bufpool.IoBuf) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.pool.Release(buf)
		return
	}
	w.queue = append(w.queue, buf)
}

func (w *TaskWriter) FD() int        { return w.pipeFD }
func (w *TaskWriter) Readable() bool { return false }

// Writable reports queue non-empty or an in-progress message (spec.md 4.4).
func (w *TaskWriter) Writable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && (len(w.queue) > 0 || w.pendingMsg != nil)
}

func (w *TaskWriter) HandleRead() error { return nil }

// HandleWrite drains the pending message (or dequeues a new one) per
// spec.md 4.4's TaskWriter handle_write policy.
func (w *TaskWriter) HandleWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if w.pendingMsg == nil {
		if len(w.queue) == 0 {
			return nil
		}
		w.pendingMsg = w.queue[0]
		w.queue = w.queue[1:]
		w.offset = 0
		if w.pendingMsg.Length == 0 {
			w.closeLocked()
			w.pool.Release(w.pendingMsg)
			w.pendingMsg = nil
			return nil
		}
	}

	msg := w.pendingMsg
	for {
		n, err := unix.Write(w.pipeFD, msg.Data[w.offset:msg.Length])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			if w.logger != nil {
				w.logger.Errorf("taskio: writer fd %d write: %v", w.pipeFD, err)
			}
			w.closeLocked()
			w.pool.Release(msg)
			w.pendingMsg = nil
			return nil
		}
		w.offset += uint32(n)
		break
	}

	if w.offset >= msg.Length {
		w.pool.Release(msg)
		w.pendingMsg = nil
	}
	return nil
}

func (w *TaskWriter) ShuttingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Shutdown drops all queued messages and stops accepting writes.
func (w *TaskWriter) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

func (w *TaskWriter) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	for _, buf := range w.queue {
		w.pool.Release(buf)
	}
	w.queue = nil
	if w.pendingMsg != nil {
		w.pool.Release(w.pendingMsg)
		w.pendingMsg = nil
	}
	unix.Close(w.pipeFD)
}

func (w *TaskWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
	return nil
}

var _ interfaces.Registrant = (*TaskWriter)(nil)
