package taskio

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/bufpool"
	"github.com/pdesr/slurm/internal/wire"
)

func TestCircularBufferPeekAndReadLine(t *testing.T) {
	c := newCircularBuffer(32)
	c.Write([]byte("hello\nworld"))

	off, found := c.PeekLine(32)
	if !found || off != 5 {
		t.Fatalf("expected newline at offset 5, got off=%d found=%v", off, found)
	}

	line := make([]byte, off+1)
	n := c.ReadLine(line, off)
	if n != off+1 || string(line) != "hello\n" {
		t.Fatalf("unexpected line read: %q (n=%d)", line[:n], n)
	}
	if c.Len() != 5 {
		t.Fatalf("expected 5 remaining bytes, got %d", c.Len())
	}
}

func TestCircularBufferNeverDropsWithinCapacity(t *testing.T) {
	c := newCircularBuffer(8)
	n := c.Write([]byte("abcdefgh"))
	if n != 8 || c.Free() != 0 {
		t.Fatalf("expected full write of 8 bytes, got n=%d free=%d", n, c.Free())
	}
	n2 := c.Write([]byte("z"))
	if n2 != 0 {
		t.Fatalf("expected write past capacity to be truncated to 0, got %d", n2)
	}
}

func TestTaskWriterClosesOnZeroLengthMessage(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])

	pool := bufpool.New(1, 1, 16)
	w := NewWriter(fds[1], pool, nil)

	eof := pool.Acquire(bufpool.Incoming)
	eof.Length = 0
	w.Enqueue(eof)

	if !w.Writable() {
		t.Fatal("expected writer to be writable with queued EOF message")
	}
	if err := w.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}
	if !w.ShuttingDown() {
		t.Fatal("expected writer to be closed after EOF message")
	}
}

func TestTaskWriterDrainsPayload(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])

	pool := bufpool.New(1, 1, 16)
	w := NewWriter(fds[1], pool, nil)

	msg := pool.Acquire(bufpool.Incoming)
	copy(msg.Data, []byte("hi"))
	msg.Length = 2
	w.Enqueue(msg)

	if err := w.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	got := make([]byte, 2)
	n, err := unix.Read(fds[0], got)
	if err != nil || n != 2 || string(got) != "hi" {
		t.Fatalf("expected to read 'hi', got %q err=%v", got[:n], err)
	}
}

func TestTaskReaderBuffersAndSignalsEOF(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}

	r := NewReader(fds[0], 1, 0, wire.StdoutMsg, nil)
	var routed int
	r.Route = func(*TaskReader) { routed++ }

	unix.Write(fds[1], []byte("line1\n"))
	if err := r.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if r.Len() != 6 {
		t.Fatalf("expected 6 buffered bytes, got %d", r.Len())
	}
	if routed != 1 {
		t.Fatalf("expected Route to fire once, got %d", routed)
	}

	unix.Close(fds[1])
	if err := r.HandleRead(); err != nil {
		t.Fatalf("HandleRead (eof): %v", err)
	}
	if !r.EOF() {
		t.Fatal("expected eof after peer close")
	}
}
