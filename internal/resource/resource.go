// Package resource implements the GANG resource model (spec.md 4.7):
// deriving a bitmap domain and an allocated-CPU-per-slot vector from a
// job's node allocation, at whichever granularity the cluster config
// selects.
package resource

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/pdesr/slurm/internal/external"
)

// GrType is the gang-scheduling granularity (spec.md 1, 4.7).
type GrType int

const (
	Node GrType = iota
	Socket
	Core
	CPU
)

func (g GrType) String() string {
	switch g {
	case Node:
		return "NODE"
	case Socket:
		return "SOCKET"
	case Core:
		return "CORE"
	case CPU:
		return "CPU"
	default:
		return "UNKNOWN"
	}
}

// UsesCPUVector reports whether this granularity populates alloc_cpus
// (spec.md 3: "alloc_cpus is populated iff granularity in {CPU, CORE}").
func (g GrType) UsesCPUVector() bool { return g == CPU || g == Core }

// PhysResCnt is a run-length encoding of per-slot physical capacity
// (spec.md 4.7): two parallel arrays, values[] and reps[], so At(i) is
// O(groups) instead of O(resmap_size).
type PhysResCnt struct {
	Values []uint32
	Reps   []uint32
}

// NewUniformPhysResCnt builds a single-group encoding where every slot has
// the same capacity, the common case for homogeneous clusters.
func NewUniformPhysResCnt(capacity uint32, slots int) PhysResCnt {
	if slots == 0 {
		return PhysResCnt{}
	}
	return PhysResCnt{Values: []uint32{capacity}, Reps: []uint32{uint32(slots)}}
}

// At returns the physical capacity of slot i.
func (p PhysResCnt) At(i int) uint32 {
	idx := i
	for g := range p.Values {
		if idx < int(p.Reps[g]) {
			return p.Values[g]
		}
		idx -= int(p.Reps[g])
	}
	return 0
}

// Len returns the total number of slots the encoding covers.
func (p PhysResCnt) Len() int {
	n := 0
	for _, r := range p.Reps {
		n += int(r)
	}
	return n
}

// State holds the cluster-wide resource model (spec.md 3: State, minus the
// scheduler bookkeeping fields owned by the root Scheduler).
type State struct {
	GrType     GrType
	ResmapSize int
	PhysResCnt PhysResCnt
}

// NewState derives gr_type and resmap_size from select_type_param per
// spec.md 4.7's table, given the node count and (for SOCKET/CORE) the
// per-node socket counts.
func NewState(selectTypeParam string, topo external.NodeTopology, nodeCount int) (*State, error) {
	grType, err := grTypeFromParam(selectTypeParam)
	if err != nil {
		return nil, err
	}

	var resmapSize int
	var prc PhysResCnt
	switch grType {
	case Node:
		resmapSize = nodeCount
		prc = NewUniformPhysResCnt(1, nodeCount)
	case CPU:
		resmapSize = nodeCount
		values := make([]uint32, 0, nodeCount)
		reps := make([]uint32, 0, nodeCount)
		for n := 0; n < nodeCount; n++ {
			v := uint32(topo.CPUs(n))
			if len(values) > 0 && values[len(values)-1] == v {
				reps[len(reps)-1]++
			} else {
				values = append(values, v)
				reps = append(reps, 1)
			}
		}
		prc = PhysResCnt{Values: values, Reps: reps}
	case Socket:
		total := 0
		for n := 0; n < nodeCount; n++ {
			total += topo.Sockets(n)
		}
		resmapSize = total
		prc = NewUniformPhysResCnt(1, total)
	case Core:
		values := make([]uint32, 0)
		reps := make([]uint32, 0)
		total := 0
		for n := 0; n < nodeCount; n++ {
			for s := 0; s < topo.Sockets(n); s++ {
				v := uint32(topo.Cores(n, s))
				if len(values) > 0 && values[len(values)-1] == v {
					reps[len(reps)-1]++
				} else {
					values = append(values, v)
					reps = append(reps, 1)
				}
				total++
			}
		}
		resmapSize = total
		prc = PhysResCnt{Values: values, Reps: reps}
	}

	return &State{GrType: grType, ResmapSize: resmapSize, PhysResCnt: prc}, nil
}

func grTypeFromParam(param string) (GrType, error) {
	switch param {
	case "", "MEMORY", "CONS_RES_MEMORY":
		return Node, nil
	case "CPU", "CONS_TRES_CPU":
		return CPU, nil
	case "SOCKET", "CONS_RES_SOCKET":
		return Socket, nil
	case "CORE", "CONS_RES_CORE":
		return Core, nil
	default:
		return Node, fmt.Errorf("resource: unknown select_type_param %q", param)
	}
}

// JobToResmap derives a job's resmap-domain bitmap from its node allocation
// (spec.md 4.7: job_to_resmap). For NODE/CPU the node bitmap is copied
// directly; for SOCKET/CORE it expands node-by-node via the CoreCounter
// collaborator, setting a bit per socket holding at least one allocated
// core.
func (s *State) JobToResmap(topo external.NodeTopology, counter external.CoreCounter, jobID string, nodeBitmap *bitset.BitSet) (*bitset.BitSet, error) {
	out := bitset.New(uint(s.ResmapSize))

	switch s.GrType {
	case Node, CPU:
		for i, e := nodeBitmap.NextSet(0); e; i, e = nodeBitmap.NextSet(i + 1) {
			out.Set(i)
		}
		return out, nil
	case Socket, Core:
		slot := uint(0)
		for n, e := nodeBitmap.NextSet(0); e; n, e = nodeBitmap.NextSet(n + 1) {
			sockets := topo.Sockets(int(n))
			baseSlot := socketBaseSlot(topo, int(n))
			for sk := 0; sk < sockets; sk++ {
				cores, err := counter.JobCores(jobID, int(n), sk)
				if err != nil {
					return nil, fmt.Errorf("resource: job_cores(%s, %d, %d): %w", jobID, n, sk, err)
				}
				if cores > 0 {
					out.Set(baseSlot + uint(sk))
				}
			}
			slot += uint(sockets)
			_ = slot
		}
		return out, nil
	default:
		return out, nil
	}
}

// socketBaseSlot computes the starting resmap slot for node n's sockets,
// i.e. the total socket count of all preceding nodes. This mirrors the
// accumulation order NewState used to build phys_res_cnt.
func socketBaseSlot(topo external.NodeTopology, n int) uint {
	base := uint(0)
	for i := 0; i < n; i++ {
		base += uint(topo.Sockets(i))
	}
	return base
}

// AllocCPUs accumulates job_cores values in the same bit-ascending
// expansion order JobToResmap used, matching spec.md's alloc_cpus indexing
// invariant. Only meaningful for CPU/CORE granularity.
func (s *State) AllocCPUs(topo external.NodeTopology, counter external.CoreCounter, jobID string, nodeBitmap *bitset.BitSet) ([]uint16, error) {
	if !s.GrType.UsesCPUVector() {
		return nil, nil
	}

	var out []uint16
	switch s.GrType {
	case CPU:
		for n, e := nodeBitmap.NextSet(0); e; n, e = nodeBitmap.NextSet(n + 1) {
			total := 0
			for sk := 0; sk < topo.Sockets(int(n)); sk++ {
				cores, err := counter.JobCores(jobID, int(n), sk)
				if err != nil {
					return nil, fmt.Errorf("resource: job_cores(%s, %d, %d): %w", jobID, n, sk, err)
				}
				total += cores
			}
			out = append(out, uint16(total))
		}
	case Core:
		for n, e := nodeBitmap.NextSet(0); e; n, e = nodeBitmap.NextSet(n + 1) {
			for sk := 0; sk < topo.Sockets(int(n)); sk++ {
				cores, err := counter.JobCores(jobID, int(n), sk)
				if err != nil {
					return nil, fmt.Errorf("resource: job_cores(%s, %d, %d): %w", jobID, n, sk, err)
				}
				if cores > 0 {
					out = append(out, uint16(cores))
				}
			}
		}
	}
	return out, nil
}
