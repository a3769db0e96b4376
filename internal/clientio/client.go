// Package clientio implements the IO-MUX client endpoint (spec.md 3, 4.5):
// one instance per attached remote socket, fanning STDIN/ALLSTDIN frames
// into tasks and STDOUT/STDERR frames back out, with the same
// per-connection state-tracking shape as internal/taskio's endpoints.
package clientio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/bufpool"
	"github.com/pdesr/slurm/internal/constants"
	"github.com/pdesr/slurm/internal/interfaces"
	"github.com/pdesr/slurm/internal/wire"
)

// Client is one attached remote socket (spec.md 3: Client).
type Client struct {
	mu     sync.Mutex
	sockFD int
	pool   *bufpool.Pool
	logger interfaces.Logger

	hdrBuf    [wire.HeaderSize]byte
	hdrFilled int
	haveHdr   bool
	hdr       wire.Header
	inMsg     *bufpool.IoBuf
	inOffset  uint32
	inEOF     bool

	outMsg    *bufpool.IoBuf
	outOffset uint32
	outEOF    bool
	queue     []*bufpool.IoBuf

	queuePrimed bool

	// SeedFromCache returns the coordinator's outgoing_cache contents with
	// ref_count already incremented for this client (spec.md 4.5, 4.6).
	SeedFromCache func() []*bufpool.IoBuf
	// RouteStdin delivers a STDIN frame to the single matching task.
	RouteStdin func(gtaskid uint16, buf *bufpool.IoBuf)
	// RouteAllStdin delivers an ALLSTDIN frame to every task.
	RouteAllStdin func(buf *bufpool.IoBuf)
}

// New wraps a freshly accepted, non-blocking client socket.
func New(sockFD int, pool *bufpool.Pool, logger interfaces.Logger) *Client {
	return &Client{sockFD: sockFD, pool: pool, logger: logger}
}

func (c *Client) FD() int { return c.sockFD }

// Enqueue appends buf to the outgoing queue. Caller must hold a reference
// for this slot already.
func (c *Client) Enqueue(buf *bufpool.IoBuf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outEOF {
		c.pool.Release(buf)
		return
	}
	c.queue = append(c.queue, buf)
}

// OutEOF reports whether the client's write direction has been torn down.
func (c *Client) OutEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outEOF
}

// Readable implements spec.md 4.5's client readable? contract.
func (c *Client) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inEOF {
		return false
	}
	return c.inMsg != nil || c.pool.Available(bufpool.Incoming) > 0
}

// Writable implements spec.md 4.5's client writable? contract, including
// cache-seeding on first check.
func (c *Client) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outEOF {
		return false
	}
	if !c.queuePrimed {
		c.queuePrimed = true
		if c.SeedFromCache != nil {
			c.queue = append(c.queue, c.SeedFromCache()...)
		}
	}
	return c.outMsg != nil || len(c.queue) > 0
}

// HandleRead implements spec.md 4.5's handle_read.
func (c *Client) HandleRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inMsg == nil {
		buf := c.pool.Acquire(bufpool.Incoming)
		if buf == nil {
			return nil
		}
		c.inMsg = buf
		c.hdrFilled = 0
		c.haveHdr = false
	}

	if !c.haveHdr {
		for c.hdrFilled < wire.HeaderSize {
			n, err := unix.Read(c.sockFD, c.hdrBuf[c.hdrFilled:])
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return nil
			}
			if err != nil || n == 0 {
				c.inEOF = true
				c.pool.Release(c.inMsg)
				c.inMsg = nil
				return nil
			}
			c.hdrFilled += n
		}
		hdr, err := wire.UnmarshalHeader(c.hdrBuf[:])
		if err != nil {
			return err
		}
		if hdr.Length > constants.MaxPayload {
			c.inEOF = true
			c.outEOF = true
			c.pool.Release(c.inMsg)
			c.inMsg = nil
			return fmt.Errorf("clientio: fd %d: frame length %d exceeds max payload %d", c.sockFD, hdr.Length, constants.MaxPayload)
		}
		c.hdr = hdr
		c.haveHdr = true
		c.inMsg.Length = hdr.Length
		c.inOffset = 0
	}

	for c.inOffset < c.hdr.Length {
		n, err := unix.Read(c.sockFD, c.inMsg.Data[c.inOffset:c.hdr.Length])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil || n == 0 {
			c.inEOF = true
			c.pool.Release(c.inMsg)
			c.inMsg = nil
			return nil
		}
		c.inOffset += uint32(n)
	}

	return c.routeCompletedLocked()
}

func (c *Client) routeCompletedLocked() error {
	msg := c.inMsg
	hdr := c.hdr
	c.inMsg = nil
	c.haveHdr = false

	switch hdr.Type {
	case wire.StdinMsg:
		if c.RouteStdin != nil {
			c.RouteStdin(hdr.GTaskID, msg)
		} else {
			c.pool.Release(msg)
		}
	case wire.AllStdinMsg:
		if c.RouteAllStdin != nil {
			c.RouteAllStdin(msg)
		} else {
			c.pool.Release(msg)
		}
	default:
		c.pool.Release(msg)
		c.inEOF = true
		c.outEOF = true
		return fmt.Errorf("clientio: fd %d: protocol violation: unrecognized message type %d", c.sockFD, hdr.Type)
	}
	return nil
}

// HandleWrite implements spec.md 4.5's handle_write.
func (c *Client) HandleWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outEOF {
		return nil
	}
	if c.outMsg == nil {
		if len(c.queue) == 0 {
			return nil
		}
		c.outMsg = c.queue[0]
		c.queue = c.queue[1:]
		c.outOffset = 0
	}

	msg := c.outMsg
	for c.outOffset < msg.Length {
		n, err := unix.Write(c.sockFD, msg.Data[c.outOffset:msg.Length])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EPIPE {
			c.outEOF = true
			c.pool.Release(msg)
			c.outMsg = nil
			for _, q := range c.queue {
				c.pool.Release(q)
			}
			c.queue = nil
			return nil
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			if c.logger != nil {
				c.logger.Errorf("clientio: fd %d write: %v", c.sockFD, err)
			}
			return nil
		}
		c.outOffset += uint32(n)
	}

	c.pool.Release(msg)
	c.outMsg = nil
	return nil
}

// ShuttingDown reports whether both directions have drained.
func (c *Client) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inEOF && c.outEOF
}

// Shutdown performs the half-close of reads spec.md 4.5 requires.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = unix.Shutdown(c.sockFD, unix.SHUT_RD)
	c.inEOF = true
	if c.inMsg != nil {
		c.pool.Release(c.inMsg)
		c.inMsg = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inMsg != nil {
		c.pool.Release(c.inMsg)
		c.inMsg = nil
	}
	if c.outMsg != nil {
		c.pool.Release(c.outMsg)
		c.outMsg = nil
	}
	for _, q := range c.queue {
		c.pool.Release(q)
	}
	c.queue = nil
	return unix.Close(c.sockFD)
}

var _ interfaces.Registrant = (*Client)(nil)
