// Package slurm implements the IO-MUX coordinator (spec.md 4.6) and the
// GANG scheduler coordinator (spec.md 4.9) as the two root-level entry
// points of this module, each wiring together the internal/ subpackages.
package slurm

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/bufpool"
	"github.com/pdesr/slurm/internal/clientio"
	"github.com/pdesr/slurm/internal/constants"
	"github.com/pdesr/slurm/internal/interfaces"
	"github.com/pdesr/slurm/internal/reactor"
	"github.com/pdesr/slurm/internal/taskio"
	"github.com/pdesr/slurm/internal/wire"
)

// maxDrainPasses bounds how many handle_write attempts Close makes per
// client before giving up and forcing the socket closed.
const maxDrainPasses = 64

// IOMuxConfig configures a Coordinator.
type IOMuxConfig struct {
	NIncoming     int
	NOutgoing     int
	CacheCap      int
	BufferedStdio bool
	NodeID        uint32
	CredSig       [wire.CredSigLen]byte
	Logger        interfaces.Logger

	// Metrics records operational counters for this Coordinator, if set.
	// Nil is safe; no counters are recorded.
	Metrics *Metrics
}

func (c IOMuxConfig) withDefaults() IOMuxConfig {
	if c.NIncoming == 0 {
		c.NIncoming = constants.DefaultNIn
	}
	if c.NOutgoing == 0 {
		c.NOutgoing = constants.DefaultNOut
	}
	if c.CacheCap == 0 {
		c.CacheCap = constants.DefaultStdioMaxMsgCache
	}
	return c
}

// Coordinator is the IO-MUX per-node process (spec.md 3: Coordinator).
type Coordinator struct {
	mu   sync.Mutex
	cfg  IOMuxConfig
	pool *bufpool.Pool
	rx   *reactor.Reactor

	writers map[uint16]*taskio.TaskWriter
	readers []*taskio.TaskReader
	clients []*clientio.Client

	outgoingCache []*bufpool.IoBuf

	nStdoutTotal uint32
	nStderrTotal uint32
}

// NewCoordinator builds a Coordinator and its reactor.
func NewCoordinator(cfg IOMuxConfig) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	rx, err := reactor.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:     cfg,
		pool:    bufpool.New(cfg.NIncoming, cfg.NOutgoing, constants.MaxPayload+wire.HeaderSize),
		rx:      rx,
		writers: make(map[uint16]*taskio.TaskWriter),
	}
	c.pool.OnOutgoingDrain = c.onOutgoingRelease
	c.pool.OnExhausted = c.onPoolExhausted
	return c, nil
}

func (c *Coordinator) onPoolExhausted(kind bufpool.Kind) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPoolExhausted(kind == bufpool.Outgoing)
	}
}

// Reactor exposes the underlying reactor for Run/Wakeup from cmd/.
func (c *Coordinator) Reactor() *reactor.Reactor { return c.rx }

// AttachTask registers a task's stdin/stdout/stderr pipes. Any fd may be -1
// to indicate that stream was not piped for this task.
func (c *Coordinator) AttachTask(gtaskid, ltaskid uint16, stdinFD, stdoutFD, stderrFD int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stdinFD >= 0 {
		w := taskio.NewWriter(stdinFD, c.pool, c.cfg.Logger)
		c.writers[gtaskid] = w
		c.rx.Register(w)
	}
	if stdoutFD >= 0 {
		r := taskio.NewReader(stdoutFD, gtaskid, ltaskid, wire.StdoutMsg, c.cfg.Logger)
		r.Route = c.RouteTaskOutput
		c.readers = append(c.readers, r)
		c.rx.Register(r)
		c.nStdoutTotal++
	}
	if stderrFD >= 0 {
		r := taskio.NewReader(stderrFD, gtaskid, ltaskid, wire.StderrMsg, c.cfg.Logger)
		r.Route = c.RouteTaskOutput
		c.readers = append(c.readers, r)
		c.rx.Register(r)
		c.nStderrTotal++
	}
}

// AttachClient wraps a freshly accepted, connected fd as a new client
// (spec.md 4.6: "New client attach").
func (c *Coordinator) AttachClient(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}

	c.mu.Lock()
	init := wire.InitMessage{
		CredSig:    c.cfg.CredSig,
		NodeID:     c.cfg.NodeID,
		NStdoutObj: c.nStdoutTotal,
		NStderrObj: c.nStderrTotal,
	}
	c.mu.Unlock()

	buf := make([]byte, wire.InitMessageSize)
	init.Marshal(buf)
	if err := writeAll(fd, buf); err != nil {
		unix.Close(fd)
		return err
	}

	cl := clientio.New(fd, c.pool, c.cfg.Logger)
	cl.RouteStdin = c.routeStdin
	cl.RouteAllStdin = c.routeAllStdin
	cl.SeedFromCache = c.seedFromCache

	c.mu.Lock()
	c.clients = append(c.clients, cl)
	c.mu.Unlock()
	c.rx.Register(cl)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordClientAttach()
	}
	return nil
}

func writeAll(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// RouteTaskOutput packs and fans out frames from a task reader (spec.md
// 4.6: "Route task -> clients"). It is wired as the reader's Route hook and
// also re-invoked by onOutgoingRelease.
func (c *Coordinator) RouteTaskOutput(r *taskio.TaskReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routeLocked(r)
}

func (c *Coordinator) routeLocked(r *taskio.TaskReader) {
	isStderr := r.Type() == wire.StderrMsg
	for {
		n := c.frameLength(r)
		if n == 0 {
			break
		}
		buf := c.pool.Acquire(bufpool.Outgoing)
		if buf == nil {
			break
		}
		payloadN := r.ReadMax(buf.Data[wire.HeaderSize:], n)
		hdr := wire.Header{Type: r.Type(), GTaskID: r.GTaskID, LTaskID: r.LTaskID, Length: uint32(payloadN)}
		hdr.Marshal(buf.Data[:wire.HeaderSize])
		buf.Length = uint32(wire.HeaderSize + payloadN)
		c.fanOutLocked(buf)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordFrameRouted(isStderr, uint64(payloadN), true)
		}
	}

	if r.Drained() && !r.EOFMsgSent() {
		buf := c.pool.Acquire(bufpool.Outgoing)
		if buf != nil {
			hdr := wire.Header{Type: r.Type(), GTaskID: r.GTaskID, LTaskID: r.LTaskID, Length: 0}
			hdr.Marshal(buf.Data[:wire.HeaderSize])
			buf.Length = wire.HeaderSize
			c.fanOutLocked(buf)
			r.MarkEOFMsgSent()
		}
	}
}

// frameLength applies the buffered_stdio line policy (spec.md 4.4) and
// returns 0 when there is not yet a frame worth sending.
func (c *Coordinator) frameLength(r *taskio.TaskReader) int {
	avail := r.Len()
	if avail == 0 {
		return 0
	}
	if !c.cfg.BufferedStdio {
		if avail > constants.MaxPayload {
			return constants.MaxPayload
		}
		return avail
	}
	if off, found := r.PeekLine(constants.MaxPayload); found {
		return off + 1
	}
	if avail >= constants.MaxPayload {
		return constants.MaxPayload
	}
	return 0
}

// fanOutLocked distributes buf to every live client and the outgoing cache,
// per spec.md 4.6.
func (c *Coordinator) fanOutLocked(buf *bufpool.IoBuf) {
	live := 0
	for _, cl := range c.clients {
		if !cl.OutEOF() {
			live++
		}
	}
	total := live + 1 // +1 for the cache slot
	for i := 0; i < total-1; i++ {
		buf.Retain()
	}
	for _, cl := range c.clients {
		if !cl.OutEOF() {
			cl.Enqueue(buf)
		}
	}

	c.outgoingCache = append(c.outgoingCache, buf)
	if len(c.outgoingCache) > c.cfg.CacheCap {
		oldest := c.outgoingCache[0]
		c.outgoingCache = c.outgoingCache[1:]
		c.pool.Release(oldest)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordCacheEviction()
		}
	}
}

// onOutgoingRelease re-walks readers once after a drain frees an outgoing
// buffer, stopping early once the free list is empty again (spec.md 4.3,
// 4.6: "invited to immediately pack more output").
func (c *Coordinator) onOutgoingRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.readers {
		if c.pool.Available(bufpool.Outgoing) == 0 {
			return
		}
		c.routeLocked(r)
	}
}

func (c *Coordinator) seedFromCache() []*bufpool.IoBuf {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*bufpool.IoBuf, len(c.outgoingCache))
	copy(out, c.outgoingCache)
	for _, buf := range out {
		buf.Retain()
	}
	return out
}

func (c *Coordinator) routeStdin(gtaskid uint16, buf *bufpool.IoBuf) {
	c.mu.Lock()
	w, ok := c.writers[gtaskid]
	c.mu.Unlock()
	if !ok {
		c.pool.Release(buf)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordStdinRouted(uint64(buf.Length), false)
		}
		return
	}
	w.Enqueue(buf)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordStdinRouted(uint64(buf.Length), true)
	}
}

func (c *Coordinator) routeAllStdin(buf *bufpool.IoBuf) {
	c.mu.Lock()
	writers := make([]*taskio.TaskWriter, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.mu.Unlock()

	if len(writers) == 0 {
		c.pool.Release(buf)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordStdinRouted(uint64(buf.Length), false)
		}
		return
	}
	for i := 0; i < len(writers)-1; i++ {
		buf.Retain()
	}
	for _, w := range writers {
		w.Enqueue(buf)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordStdinRouted(uint64(buf.Length), true)
	}
}

// Close tears the coordinator down: closes task pipes, flushes client
// queues until written or EPIPE (for a bounded number of passes), closes the
// clients, then shuts the reactor down and closes its fds (spec.md 4.6).
// Registrants are not removed from the reactor's list.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	writers := make([]*taskio.TaskWriter, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	readers := append([]*taskio.TaskReader(nil), c.readers...)
	clients := append([]*clientio.Client(nil), c.clients...)
	cache := c.outgoingCache
	c.outgoingCache = nil
	c.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	for _, r := range readers {
		r.Close()
	}
	for _, buf := range cache {
		c.pool.Release(buf)
	}

	for _, cl := range clients {
		for i := 0; i < maxDrainPasses && cl.Writable() && !cl.OutEOF(); i++ {
			cl.HandleWrite()
		}
		cl.Close()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordClientDetach()
		}
	}

	c.rx.Shutdown()
	return c.rx.Close()
}
