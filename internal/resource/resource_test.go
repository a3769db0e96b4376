package resource

import (
	"testing"

	"github.com/bits-and-blooms/bitset"

	"github.com/pdesr/slurm/internal/external"
)

func TestPhysResCntRunLengthLookup(t *testing.T) {
	p := PhysResCnt{Values: []uint32{4, 8}, Reps: []uint32{2, 3}}
	want := []uint32{4, 4, 8, 8, 8}
	for i, w := range want {
		if got := p.At(i); got != w {
			t.Errorf("At(%d) = %d, want %d", i, got, w)
		}
	}
	if p.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", p.Len())
	}
}

func TestNewStateNodeGranularity(t *testing.T) {
	topo := external.StaticTopology{CPUsPerNode: 8, SocketsPerNode: 2, CoresPerSocket: 4}
	s, err := NewState("", topo, 4)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if s.GrType != Node || s.ResmapSize != 4 {
		t.Fatalf("unexpected state: %+v", s)
	}
}

func TestNewStateCoreGranularityExpandsSockets(t *testing.T) {
	topo := external.StaticTopology{CPUsPerNode: 8, SocketsPerNode: 2, CoresPerSocket: 4}
	s, err := NewState("CORE", topo, 3)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if s.GrType != Core || s.ResmapSize != 6 {
		t.Fatalf("expected 6 socket slots across 3 nodes, got %+v", s)
	}
	if s.PhysResCnt.At(0) != 4 {
		t.Fatalf("expected capacity 4 per socket slot, got %d", s.PhysResCnt.At(0))
	}
}

func TestJobToResmapNodeGranularityCopiesBitmap(t *testing.T) {
	topo := external.StaticTopology{SocketsPerNode: 1}
	s, _ := NewState("", topo, 4)
	counter := external.NewStaticCoreCounter()

	nb := bitset.New(4)
	nb.Set(0)
	nb.Set(2)

	resmap, err := s.JobToResmap(topo, counter, "job1", nb)
	if err != nil {
		t.Fatalf("JobToResmap: %v", err)
	}
	if resmap.Count() != 2 || !resmap.Test(0) || !resmap.Test(2) {
		t.Fatalf("expected resmap to mirror node bitmap, got %v", resmap)
	}
}

func TestJobToResmapCoreGranularityExpandsBySocket(t *testing.T) {
	topo := external.StaticTopology{SocketsPerNode: 2, CoresPerSocket: 4}
	s, err := NewState("CORE", topo, 2)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	counter := external.NewStaticCoreCounter()
	counter.Set("job1", 0, 0, 2)
	counter.Set("job1", 0, 1, 0)
	counter.Set("job1", 1, 0, 1)
	counter.Set("job1", 1, 1, 1)

	nb := bitset.New(2)
	nb.Set(0)
	nb.Set(1)

	resmap, err := s.JobToResmap(topo, counter, "job1", nb)
	if err != nil {
		t.Fatalf("JobToResmap: %v", err)
	}
	// node 0 socket 0 (slot 0) has cores, socket 1 (slot 1) doesn't;
	// node 1 both sockets (slots 2,3) have cores.
	want := map[uint]bool{0: true, 1: false, 2: true, 3: true}
	for slot, expect := range want {
		if resmap.Test(slot) != expect {
			t.Errorf("slot %d: got %v, want %v", slot, resmap.Test(slot), expect)
		}
	}

	alloc, err := s.AllocCPUs(topo, counter, "job1", nb)
	if err != nil {
		t.Fatalf("AllocCPUs: %v", err)
	}
	want2 := []uint16{2, 1, 1}
	if len(alloc) != len(want2) {
		t.Fatalf("alloc_cpus = %v, want %v", alloc, want2)
	}
	for i := range want2 {
		if alloc[i] != want2[i] {
			t.Errorf("alloc_cpus[%d] = %d, want %d", i, alloc[i], want2[i])
		}
	}
}
