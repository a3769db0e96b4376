package taskio

// circularBuffer is a fixed-capacity, no-drop byte ring used by TaskReader
// to hold unrouted task output between reactor passes (spec.md 4.4:
// "cbuf: circular byte buffer (cap = 4*MAX_PAYLOAD, no-drop)").
type circularBuffer struct {
	data  []byte
	head  int // next byte to read
	used  int
}

func newCircularBuffer(capacity int) *circularBuffer {
	return &circularBuffer{data: make([]byte, capacity)}
}

func (c *circularBuffer) Cap() int  { return len(c.data) }
func (c *circularBuffer) Len() int  { return c.used }
func (c *circularBuffer) Free() int { return len(c.data) - c.used }

// Write appends p to the buffer, truncating to available capacity. It
// returns the number of bytes actually written.
func (c *circularBuffer) Write(p []byte) int {
	n := len(p)
	if n > c.Free() {
		n = c.Free()
	}
	tail := (c.head + c.used) % len(c.data)
	for i := 0; i < n; i++ {
		c.data[(tail+i)%len(c.data)] = p[i]
	}
	c.used += n
	return n
}

// PeekLine scans the unread region for '\n' within the first max bytes,
// returning its offset from head (0-indexed) and true if found.
func (c *circularBuffer) PeekLine(max int) (int, bool) {
	n := c.used
	if n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		if c.data[(c.head+i)%len(c.data)] == '\n' {
			return i, true
		}
	}
	return 0, false
}

// ReadLine copies up to n+1 bytes (the line including its newline) into dst
// and advances head. Caller must have sized dst appropriately.
func (c *circularBuffer) ReadLine(dst []byte, n int) int {
	return c.ReadMax(dst, n+1)
}

// ReadMax copies up to max bytes (bounded by dst and buffered data) into dst
// and advances head, returning the number of bytes copied.
func (c *circularBuffer) ReadMax(dst []byte, max int) int {
	n := max
	if n > c.used {
		n = c.used
	}
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = c.data[(c.head+i)%len(c.data)]
	}
	c.head = (c.head + n) % len(c.data)
	c.used -= n
	return n
}
