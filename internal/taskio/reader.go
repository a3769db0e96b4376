package taskio

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/constants"
	"github.com/pdesr/slurm/internal/interfaces"
	"github.com/pdesr/slurm/internal/wire"
)

// TaskReader drains a single task's stdout or stderr pipe into a no-drop
// circular buffer (spec.md 3, 4.4: TaskReader).
type TaskReader struct {
	mu      sync.Mutex
	pipeFD  int
	cbuf    *circularBuffer
	msgType wire.MsgType
	GTaskID uint16
	LTaskID uint16

	eof        bool
	eofMsgSent bool
	logger     interfaces.Logger

	// Route is invoked after every successful HandleRead, and is the
	// coordinator's hook to pack and fan out frames (spec.md 4.6).
	Route func(*TaskReader)
}

// NewReader wraps a task's stdout/stderr pipe fd. msgType must be
// wire.StdoutMsg or wire.StderrMsg.
func NewReader(pipeFD int, gtaskid, ltaskid uint16, msgType wire.MsgType, logger interfaces.Logger) *TaskReader {
	return &TaskReader{
		pipeFD:  pipeFD,
		cbuf:    newCircularBuffer(constants.TaskReaderCapacity),
		msgType: msgType,
		GTaskID: gtaskid,
		LTaskID: ltaskid,
		logger:  logger,
	}
}

func (r *TaskReader) FD() int        { return r.pipeFD }
func (r *TaskReader) Writable() bool { return false }
func (r *TaskReader) Type() wire.MsgType { return r.msgType }

// Readable reports the TaskReader's spec.md 4.4 contract: not eof_msg_sent
// and cbuf has free capacity.
func (r *TaskReader) Readable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.eofMsgSent && r.cbuf.Free() > 0
}

// EOF reports whether the pipe has reached end of file.
func (r *TaskReader) EOF() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof
}

// Drained reports whether the cbuf is empty and eof has been observed,
// meaning the coordinator should emit the terminal zero-length frame.
func (r *TaskReader) Drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof && r.cbuf.Len() == 0
}

// EOFMsgSent reports whether the terminal frame has already gone out.
func (r *TaskReader) EOFMsgSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eofMsgSent
}

// MarkEOFMsgSent records that the coordinator has emitted the terminal
// zero-length frame for this reader.
func (r *TaskReader) MarkEOFMsgSent() {
	r.mu.Lock()
	r.eofMsgSent = true
	r.mu.Unlock()
}

// Len reports the number of unrouted bytes buffered.
func (r *TaskReader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cbuf.Len()
}

// PeekLine scans the buffered data for a newline within max bytes.
func (r *TaskReader) PeekLine(max int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cbuf.PeekLine(max)
}

// ReadLine copies the next n+1 bytes (line plus newline) out of cbuf.
func (r *TaskReader) ReadLine(dst []byte, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cbuf.ReadLine(dst, n)
}

// ReadMax copies up to max buffered bytes into dst.
func (r *TaskReader) ReadMax(dst []byte, max int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cbuf.ReadMax(dst, max)
}

// HandleRead fills cbuf from the pipe per spec.md 4.4, then invokes Route.
func (r *TaskReader) HandleRead() error {
	r.mu.Lock()
	free := r.cbuf.Free()
	r.mu.Unlock()
	if free == 0 {
		return nil
	}

	scratch := make([]byte, free)
	for {
		n, err := unix.Read(r.pipeFD, scratch)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			if r.logger != nil {
				r.logger.Errorf("taskio: reader fd %d read: %v", r.pipeFD, err)
			}
			r.mu.Lock()
			r.eof = true
			r.mu.Unlock()
			break
		}
		if n == 0 {
			r.mu.Lock()
			r.eof = true
			r.mu.Unlock()
			break
		}
		r.mu.Lock()
		r.cbuf.Write(scratch[:n])
		r.mu.Unlock()
		break
	}

	if r.Route != nil {
		r.Route(r)
	}
	return nil
}

func (r *TaskReader) HandleWrite() error { return nil }

func (r *TaskReader) ShuttingDown() bool {
	return r.EOFMsgSent()
}

func (r *TaskReader) Shutdown() {
	r.mu.Lock()
	r.eof = true
	r.mu.Unlock()
}

func (r *TaskReader) Close() error {
	return unix.Close(r.pipeFD)
}

var _ interfaces.Registrant = (*TaskReader)(nil)
