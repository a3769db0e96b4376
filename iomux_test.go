package slurm

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/wire"
)

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func mustSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func readExact(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	off := 0
	for off < n {
		k, err := unix.Read(fd, buf[off:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if k == 0 {
			t.Fatalf("unexpected eof after %d/%d bytes", off, n)
		}
		off += k
	}
	return buf
}

// TestScenarioTaskOutputReachesAttachedClient covers spec.md scenario 1: a
// task writes a line, the coordinator frames it, and an attached client
// observes the init frame followed by the STDOUT frame.
func TestScenarioTaskOutputReachesAttachedClient(t *testing.T) {
	c, err := NewCoordinator(IOMuxConfig{NIncoming: 4, NOutgoing: 4, CacheCap: 2, BufferedStdio: true})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Close()

	stdoutR, stdoutW := mustPipe(t)
	defer unix.Close(stdoutW)
	c.AttachTask(1, 0, -1, stdoutR, -1)

	clientFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)
	if err := c.AttachClient(clientFD); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}

	// Drain the init frame the attach sends.
	readExact(t, peerFD, wire.InitMessageSize)

	if _, err := unix.Write(stdoutW, []byte("hello\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}

	c.mu.Lock()
	reader := c.readers[0]
	client := c.clients[0]
	c.mu.Unlock()

	if err := reader.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if !client.Writable() {
		t.Fatal("expected client to be writable after routing")
	}
	if err := client.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	hdrBytes := readExact(t, peerFD, wire.HeaderSize)
	hdr, err := wire.UnmarshalHeader(hdrBytes)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if hdr.Type != wire.StdoutMsg || hdr.GTaskID != 1 || hdr.Length != 6 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	payload := readExact(t, peerFD, int(hdr.Length))
	if string(payload) != "hello\n" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

// TestScenarioLateAttachSeedsFromCache covers spec.md scenario 2: a client
// attaching after output has already been produced still observes it via
// the outgoing cache.
func TestScenarioLateAttachSeedsFromCache(t *testing.T) {
	c, err := NewCoordinator(IOMuxConfig{NIncoming: 4, NOutgoing: 4, CacheCap: 4, BufferedStdio: true})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Close()

	stdoutR, stdoutW := mustPipe(t)
	defer unix.Close(stdoutW)
	c.AttachTask(1, 0, -1, stdoutR, -1)

	if _, err := unix.Write(stdoutW, []byte("cached\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}

	c.mu.Lock()
	reader := c.readers[0]
	c.mu.Unlock()
	if err := reader.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}

	// No client was attached yet, so the frame landed only in the cache.
	c.mu.Lock()
	cacheLen := len(c.outgoingCache)
	c.mu.Unlock()
	if cacheLen != 1 {
		t.Fatalf("expected 1 cached frame, got %d", cacheLen)
	}

	clientFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)
	if err := c.AttachClient(clientFD); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}
	readExact(t, peerFD, wire.InitMessageSize)

	c.mu.Lock()
	client := c.clients[0]
	c.mu.Unlock()

	if !client.Writable() {
		t.Fatal("expected client to be writable via cache seeding")
	}
	if err := client.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	hdrBytes := readExact(t, peerFD, wire.HeaderSize)
	hdr, err := wire.UnmarshalHeader(hdrBytes)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if hdr.Length != 7 {
		t.Fatalf("expected 7-byte cached payload, got header %+v", hdr)
	}
	payload := readExact(t, peerFD, int(hdr.Length))
	if string(payload) != "cached\n" {
		t.Fatalf("unexpected cached payload: %q", payload)
	}
}

// TestScenarioStdinRoutesToTask covers spec.md scenario: a client STDIN
// frame reaches the matching task's stdin pipe.
func TestScenarioStdinRoutesToTask(t *testing.T) {
	c, err := NewCoordinator(IOMuxConfig{NIncoming: 4, NOutgoing: 4, CacheCap: 2})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Close()

	stdinR, stdinW := mustPipe(t)
	defer unix.Close(stdinR)
	c.AttachTask(9, 0, stdinW, -1, -1)

	clientFD, peerFD := mustSocketpair(t)
	if err := c.AttachClient(clientFD); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}
	readExact(t, peerFD, wire.InitMessageSize)

	hdr := wire.Header{Type: wire.StdinMsg, GTaskID: 9, Length: 3}
	frame := make([]byte, wire.HeaderSize+3)
	hdr.Marshal(frame)
	copy(frame[wire.HeaderSize:], []byte("cmd"))
	if _, err := unix.Write(peerFD, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	unix.Close(peerFD)

	c.mu.Lock()
	client := c.clients[0]
	writer := c.writers[9]
	c.mu.Unlock()

	if err := client.HandleRead(); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if !writer.Writable() {
		t.Fatal("expected task writer to have queued stdin")
	}
	if err := writer.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}

	got := readExact(t, stdinR, 3)
	if string(got) != "cmd" {
		t.Fatalf("unexpected stdin payload at task: %q", got)
	}
}
