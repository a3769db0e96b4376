// Package partition implements the GANG partition row engine (spec.md
// 4.8): per-partition shadow list, job list, and active-row bitmap/CPU
// vector, plus the fit predicate and row-rebuild operations C9 drives.
package partition

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/pdesr/slurm/internal/resource"
)

// SigState is a job's suspend-signal state, orthogonal to RowState
// (spec.md 4.8).
type SigState int

const (
	Resume SigState = iota
	Suspend
)

// RowState is a job's active-row membership state (spec.md 4.8's job state
// diagram).
type RowState int

const (
	NoActive RowState = iota
	Active
	Filler
)

// Job is one scheduled job (spec.md 3: GsJob).
type Job struct {
	ID        string
	SigState  SigState
	RowState  RowState
	Resmap    *bitset.BitSet
	AllocCPUs []uint16 // populated iff the cluster's GrType uses a CPU vector
}

// ShadowRef is a non-owning back-reference from a lower-priority
// partition into a higher-priority partition's job vector (spec.md 9:
// never a raw pointer — a resolved-at-use pair instead).
type ShadowRef struct {
	PartitionName string
	JobID         string
}

// Partition is one scheduling partition (spec.md 3: GsPart).
type Partition struct {
	Name     string
	Priority int
	Jobs     []*Job
	Shadows  []ShadowRef

	ActiveResmap *bitset.BitSet
	ActiveCPUs   []uint16
	JobsActive   int
}

// AppendJob appends a job to the partition's job list as-is; the caller
// sets its FILLER or NO_ACTIVE state beforehand (spec.md 4.9: add_job_to_part
// is a C9 operation; this is the C8-owned slice mutation it delegates to).
func (p *Partition) AppendJob(j *Job) {
	p.Jobs = append(p.Jobs, j)
}

// RemoveJob removes and returns the job with the given id, if present.
func (p *Partition) RemoveJob(jobID string) (*Job, bool) {
	for i, j := range p.Jobs {
		if j.ID == jobID {
			p.Jobs = append(p.Jobs[:i], p.Jobs[i+1:]...)
			return j, true
		}
	}
	return nil, false
}

// RemoveShadow drops every shadow entry pointing at the given job, from
// whichever partition it owns, compacting the slice (spec.md 4.9: "scan
// all partitions and remove any shadow entry pointing to that job").
func (p *Partition) RemoveShadow(jobID string) {
	kept := p.Shadows[:0]
	for _, s := range p.Shadows {
		if s.JobID != jobID {
			kept = append(kept, s)
		}
	}
	p.Shadows = kept
}

// rankOf returns the number of set bits in resmap at positions strictly
// less than i (spec.md 4.8: alloc_cpus is indexed by set-bit rank).
func rankOf(resmap *bitset.BitSet, i uint) int {
	rank := 0
	for b, e := resmap.NextSet(0); e && b < i; b, e = resmap.NextSet(b + 1) {
		rank++
	}
	return rank
}

// FitsInActiveRow implements spec.md 4.8's job_fits_in_active_row.
func FitsInActiveRow(state *resource.State, job *Job, part *Partition) bool {
	if part.ActiveResmap == nil || part.JobsActive == 0 {
		return true
	}

	conflict := job.Resmap.Intersection(part.ActiveResmap)
	if conflict.Count() == 0 {
		return true
	}

	if state.GrType == resource.Node || state.GrType == resource.Socket {
		return false
	}

	for i, e := conflict.NextSet(0); e; i, e = conflict.NextSet(i + 1) {
		rank := rankOf(job.Resmap, i)
		if rank >= len(job.AllocCPUs) {
			return false
		}
		if uint32(part.ActiveCPUs[i])+uint32(job.AllocCPUs[rank]) > state.PhysResCnt.At(int(i)) {
			return false
		}
	}
	return true
}

// AddToActive implements spec.md 4.8's add_job_to_active, including the
// CPU/CORE clamp-at-capacity rule. Caller is responsible for incrementing
// JobsActive afterward (build_active_row and update_active_row both add
// several jobs in sequence using the same pre-incremented JobsActive
// check).
func AddToActive(state *resource.State, job *Job, part *Partition) {
	if part.ActiveResmap == nil || part.JobsActive == 0 {
		part.ActiveResmap = job.Resmap.Clone()
		if state.GrType.UsesCPUVector() {
			cpus := make([]uint16, state.ResmapSize)
			for i, e := job.Resmap.NextSet(0); e; i, e = job.Resmap.NextSet(i + 1) {
				rank := rankOf(job.Resmap, i)
				if rank < len(job.AllocCPUs) {
					cpus[i] = job.AllocCPUs[rank]
				}
			}
			part.ActiveCPUs = cpus
		}
		return
	}

	part.ActiveResmap.InPlaceUnion(job.Resmap)
	if state.GrType.UsesCPUVector() {
		if part.ActiveCPUs == nil {
			part.ActiveCPUs = make([]uint16, state.ResmapSize)
		}
		for i, e := job.Resmap.NextSet(0); e; i, e = job.Resmap.NextSet(i + 1) {
			rank := rankOf(job.Resmap, i)
			if rank >= len(job.AllocCPUs) {
				continue
			}
			sum := uint32(part.ActiveCPUs[i]) + uint32(job.AllocCPUs[rank])
			slotCap := state.PhysResCnt.At(int(i))
			if sum > slotCap {
				sum = slotCap
			}
			part.ActiveCPUs[i] = uint16(sum)
		}
	}
}

// Resolver resolves a ShadowRef to its referenced job, or nil if the job
// (or its owning partition) no longer exists.
type Resolver func(ShadowRef) *Job

// BuildActiveRow implements spec.md 4.8's build_active_row: reset, add all
// shadows unconditionally, then admit jobs in stored order that fit.
func BuildActiveRow(state *resource.State, part *Partition, resolve Resolver) {
	part.JobsActive = 0
	part.ActiveResmap = nil
	part.ActiveCPUs = nil

	for _, ref := range part.Shadows {
		job := resolve(ref)
		if job == nil {
			continue
		}
		AddToActive(state, job, part)
		part.JobsActive++
	}

	for _, j := range part.Jobs {
		if FitsInActiveRow(state, j, part) {
			AddToActive(state, j, part)
			part.JobsActive++
			j.RowState = Active
		}
	}
}

// Signaler lets UpdateActiveRow drive suspend/resume transitions (and,
// via the closures the Scheduler supplies, cross-partition shadow
// casting/clearing) without the partition package depending on the
// scheduler or the external SuspendSignaler directly.
type Signaler struct {
	// Suspend is called once per job transitioning to NO_ACTIVE whose
	// sig_state is not already SUSPEND.
	Suspend func(j *Job) error
	// Resume is called once per job transitioning to ACTIVE/FILLER whose
	// sig_state is not already RESUME.
	Resume func(j *Job) error
}

// UpdateActiveRow implements spec.md 4.8's update_active_row: rebuild
// honoring existing row state, re-admitting jobs that still fit and
// shadow-preempting (suspending) those that no longer do, then optionally
// admitting previously NO_ACTIVE jobs as fillers.
func UpdateActiveRow(state *resource.State, part *Partition, addNew bool, resolve Resolver, sig Signaler) error {
	part.JobsActive = 0
	part.ActiveResmap = nil
	part.ActiveCPUs = nil

	for _, ref := range part.Shadows {
		job := resolve(ref)
		if job == nil {
			continue
		}
		AddToActive(state, job, part)
		part.JobsActive++
	}

	for _, j := range part.Jobs {
		if j.RowState != Active {
			continue
		}
		if FitsInActiveRow(state, j, part) {
			AddToActive(state, j, part)
			part.JobsActive++
			continue
		}
		if err := suspendJob(j, sig); err != nil {
			return err
		}
	}

	for _, j := range part.Jobs {
		if j.RowState != Filler {
			continue
		}
		if FitsInActiveRow(state, j, part) {
			AddToActive(state, j, part)
			part.JobsActive++
			continue
		}
		if err := suspendJob(j, sig); err != nil {
			return err
		}
	}

	if addNew {
		for _, j := range part.Jobs {
			if j.RowState != NoActive {
				continue
			}
			if FitsInActiveRow(state, j, part) {
				AddToActive(state, j, part)
				part.JobsActive++
				j.RowState = Filler
				if err := resumeJob(j, sig); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func suspendJob(j *Job, sig Signaler) error {
	j.RowState = NoActive
	if j.SigState == Suspend {
		return nil
	}
	if sig.Suspend != nil {
		if err := sig.Suspend(j); err != nil {
			return err
		}
	}
	j.SigState = Suspend
	return nil
}

func resumeJob(j *Job, sig Signaler) error {
	if j.SigState == Resume {
		return nil
	}
	if sig.Resume != nil {
		if err := sig.Resume(j); err != nil {
			return err
		}
	}
	j.SigState = Resume
	return nil
}
