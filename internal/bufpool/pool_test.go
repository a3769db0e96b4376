package bufpool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2, 2, 16)

	b1 := p.Acquire(Incoming)
	if b1 == nil {
		t.Fatal("expected a buffer")
	}
	b2 := p.Acquire(Incoming)
	if b2 == nil {
		t.Fatal("expected a second buffer")
	}
	if p.Acquire(Incoming) != nil {
		t.Fatal("expected pool exhaustion to return nil")
	}

	p.Release(b1)
	if p.Available(Incoming) != 1 {
		t.Fatalf("expected 1 available after release, got %d", p.Available(Incoming))
	}

	b3 := p.Acquire(Incoming)
	if b3 == nil {
		t.Fatal("expected to reacquire the released buffer")
	}
}

func TestRetainDefersRelease(t *testing.T) {
	p := New(1, 1, 16)
	buf := p.Acquire(Outgoing)
	buf.Retain() // now refCount == 2, simulating a second fan-out target

	p.Release(buf)
	if p.Available(Outgoing) != 0 {
		t.Fatalf("buffer should still be held after one of two releases")
	}

	p.Release(buf)
	if p.Available(Outgoing) != 1 {
		t.Fatalf("buffer should return to the pool after the final release")
	}
}

func TestOnOutgoingDrainFiresOnlyForOutgoing(t *testing.T) {
	p := New(1, 1, 16)
	var drains int
	p.OnOutgoingDrain = func() { drains++ }

	in := p.Acquire(Incoming)
	p.Release(in)
	if drains != 0 {
		t.Fatalf("incoming release should not fire outgoing drain hook, got %d", drains)
	}

	out := p.Acquire(Outgoing)
	p.Release(out)
	if drains != 1 {
		t.Fatalf("expected outgoing drain hook to fire once, got %d", drains)
	}
}

func TestAcquireResetsLength(t *testing.T) {
	p := New(1, 1, 16)
	buf := p.Acquire(Incoming)
	buf.Length = 12
	p.Release(buf)

	buf2 := p.Acquire(Incoming)
	if buf2.Length != 0 {
		t.Fatalf("expected reacquired buffer to have zero length, got %d", buf2.Length)
	}
}
