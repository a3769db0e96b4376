// Package bufpool implements the IO-MUX fixed-capacity buffer pool
// (spec.md 3, 4.3): two free lists of pre-sized byte buffers carrying a
// ref_count, sized once at job start so that steady-state operation never
// calls into the allocator.
//
// A size-bucketed sync.Pool is the obvious first shape for "don't
// allocate on the hot path," but it's the wrong shape for spec.md 4.3's
// contract: exhaustion must return nil
// (backpressure), and the pool must never grow past its configured
// cardinality. sync.Pool gives neither guarantee (it can manufacture new
// values via New, and Gc may drop entries silently), so each free list here
// is a fixed-capacity buffered channel of *IoBuf instead.
package bufpool

import "sync/atomic"

// Kind distinguishes which free list a buffer belongs to.
type Kind int

const (
	Incoming Kind = iota
	Outgoing
)

// IoBuf is one pooled, reference-counted byte buffer (spec.md 3: IoBuf).
// Invariant: refCount >= 0; at zero the buffer is in exactly one free pool.
type IoBuf struct {
	Data     []byte
	Length   uint32
	refCount int32
	kind     Kind
	pool     *Pool
}

// RefCount returns the buffer's current reference count (for tests/invariant
// checks; not meant to drive control flow under concurrent mutation).
func (b *IoBuf) RefCount() int32 { return atomic.LoadInt32(&b.refCount) }

// Retain increments the buffer's ref_count, e.g. when a frame is enqueued
// into an additional client's outgoing queue or into the replay cache.
func (b *IoBuf) Retain() {
	atomic.AddInt32(&b.refCount, 1)
}

// Pool holds the incoming and outgoing free lists. Sized once at job start
// from ntasks and the client cap (spec.md 3: BufferPool).
type Pool struct {
	capacity int
	free     [2]chan *IoBuf
	bufSize  int

	// OnOutgoingDrain is invoked whenever Release drops an outgoing buffer's
	// ref_count to zero, after the buffer has been returned to the free
	// list. The coordinator uses it to re-pack more output (spec.md 4.3,
	// 4.6: "the coordinator is invited to immediately pack more output").
	OnOutgoingDrain func()

	// OnExhausted is invoked whenever Acquire finds its free list for kind
	// empty, before returning nil.
	OnExhausted func(kind Kind)
}

// New creates a pool with nIn incoming and nOut outgoing buffers, each of
// capacity bufSize bytes, all pre-allocated up front.
func New(nIn, nOut, bufSize int) *Pool {
	p := &Pool{
		capacity: nIn, // only meaningfully distinct per-kind; kept for Incoming reporting
		bufSize:  bufSize,
	}
	p.free[Incoming] = make(chan *IoBuf, nIn)
	p.free[Outgoing] = make(chan *IoBuf, nOut)

	for i := 0; i < nIn; i++ {
		p.free[Incoming] <- &IoBuf{Data: make([]byte, bufSize), kind: Incoming, pool: p}
	}
	for i := 0; i < nOut; i++ {
		p.free[Outgoing] <- &IoBuf{Data: make([]byte, bufSize), kind: Outgoing, pool: p}
	}
	return p
}

// Acquire returns a free buffer of the given kind, or nil if the pool is
// exhausted. Exhaustion is backpressure, not failure (spec.md 4.3): callers
// must treat a nil return as "rerun on the next reactor pass."
func (p *Pool) Acquire(kind Kind) *IoBuf {
	select {
	case buf := <-p.free[kind]:
		buf.Length = 0
		atomic.StoreInt32(&buf.refCount, 1)
		return buf
	default:
		if p.OnExhausted != nil {
			p.OnExhausted(kind)
		}
		return nil
	}
}

// Available reports how many buffers of the given kind are currently free,
// for readiness checks that must stop early when the pool runs dry
// (spec.md 4.6's "stop early if the free-outgoing pool is empty").
func (p *Pool) Available(kind Kind) int {
	return len(p.free[kind])
}

// Release decrements buf's ref_count. When it reaches zero the buffer is
// reset and returned to its origin free list, and for outgoing buffers the
// pool's drain hook runs.
func (p *Pool) Release(buf *IoBuf) {
	if buf == nil {
		return
	}
	if atomic.AddInt32(&buf.refCount, -1) > 0 {
		return
	}
	buf.Length = 0
	buf.pool.free[buf.kind] <- buf
	if buf.kind == Outgoing && p.OnOutgoingDrain != nil {
		p.OnOutgoingDrain()
	}
}
