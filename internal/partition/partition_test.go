package partition

import (
	"testing"

	"github.com/bits-and-blooms/bitset"

	"github.com/pdesr/slurm/internal/resource"
)

func nodeState(nodes int) *resource.State {
	return &resource.State{
		GrType:     resource.Node,
		ResmapSize: nodes,
		PhysResCnt: resource.NewUniformPhysResCnt(1, nodes),
	}
}

func bm(n int, bits ...uint) *bitset.BitSet {
	b := bitset.New(uint(n))
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestFitsInActiveRowEmptyRowAlwaysFits(t *testing.T) {
	state := nodeState(4)
	part := &Partition{Name: "p"}
	job := &Job{ID: "j1", Resmap: bm(4, 0)}
	if !FitsInActiveRow(state, job, part) {
		t.Fatal("expected job to fit an empty active row")
	}
}

func TestFitsInActiveRowNodeGranularityConflict(t *testing.T) {
	state := nodeState(4)
	part := &Partition{Name: "p"}
	j1 := &Job{ID: "j1", Resmap: bm(4, 0)}
	AddToActive(state, j1, part)
	part.JobsActive++

	j2 := &Job{ID: "j2", Resmap: bm(4, 0)}
	if FitsInActiveRow(state, j2, part) {
		t.Fatal("expected NODE granularity conflict to not fit")
	}

	j3 := &Job{ID: "j3", Resmap: bm(4, 1)}
	if !FitsInActiveRow(state, j3, part) {
		t.Fatal("expected disjoint node job to fit")
	}
}

func TestAddToActiveClampsCPUAtCapacity(t *testing.T) {
	state := &resource.State{
		GrType:     resource.CPU,
		ResmapSize: 2,
		PhysResCnt: resource.NewUniformPhysResCnt(4, 2),
	}
	part := &Partition{Name: "p"}
	j1 := &Job{ID: "j1", Resmap: bm(2, 0), AllocCPUs: []uint16{3}}
	AddToActive(state, j1, part)
	part.JobsActive++

	j2 := &Job{ID: "j2", Resmap: bm(2, 0), AllocCPUs: []uint16{3}}
	AddToActive(state, j2, part)
	part.JobsActive++

	if part.ActiveCPUs[0] != 4 {
		t.Fatalf("expected clamp to capacity 4, got %d", part.ActiveCPUs[0])
	}
}

func TestBuildActiveRowAddsShadowsUnconditionally(t *testing.T) {
	state := nodeState(4)
	hiJob := &Job{ID: "hi", Resmap: bm(4, 0)}
	part := &Partition{
		Name:    "lo",
		Shadows: []ShadowRef{{PartitionName: "hi", JobID: "hi"}},
		Jobs:    []*Job{{ID: "lo1", Resmap: bm(4, 0)}},
	}

	resolve := func(ref ShadowRef) *Job {
		if ref.JobID == "hi" {
			return hiJob
		}
		return nil
	}

	BuildActiveRow(state, part, resolve)

	if part.JobsActive != 1 {
		t.Fatalf("expected only the shadow to be active (lo1 conflicts), got JobsActive=%d", part.JobsActive)
	}
	if part.Jobs[0].RowState == Active {
		t.Fatal("expected lo1 to remain non-active after being shadow-blocked")
	}
}

func TestUpdateActiveRowKeepsFittingActiveAndResumesNewFiller(t *testing.T) {
	state := nodeState(4)
	part := &Partition{Name: "p"}

	active := &Job{ID: "active", Resmap: bm(4, 0), RowState: Active, SigState: Resume}
	part.Jobs = append(part.Jobs, active)

	newcomer := &Job{ID: "new", Resmap: bm(4, 1), RowState: NoActive, SigState: Suspend}
	part.Jobs = append(part.Jobs, newcomer)

	var suspended, resumed []string
	sig := Signaler{
		Suspend: func(j *Job) error { suspended = append(suspended, j.ID); return nil },
		Resume:  func(j *Job) error { resumed = append(resumed, j.ID); return nil },
	}

	if err := UpdateActiveRow(state, part, true, func(ShadowRef) *Job { return nil }, sig); err != nil {
		t.Fatalf("UpdateActiveRow: %v", err)
	}

	if active.RowState != Active {
		t.Fatalf("expected active job to remain ACTIVE, got %v", active.RowState)
	}
	if newcomer.RowState != Filler || newcomer.SigState != Resume {
		t.Fatalf("expected newcomer admitted as FILLER/RESUME, got row=%v sig=%v", newcomer.RowState, newcomer.SigState)
	}
	if len(suspended) != 0 {
		t.Fatalf("expected no suspensions, got %v", suspended)
	}
	if len(resumed) != 1 || resumed[0] != "new" {
		t.Fatalf("expected exactly one resume for 'new', got %v", resumed)
	}
}

func TestUpdateActiveRowDoesNotResignalUnchangedSigState(t *testing.T) {
	state := nodeState(4)
	part := &Partition{Name: "p"}
	j := &Job{ID: "j", Resmap: bm(4, 0), RowState: Active, SigState: Resume}
	part.Jobs = append(part.Jobs, j)

	calls := 0
	sig := Signaler{
		Resume:  func(*Job) error { calls++; return nil },
		Suspend: func(*Job) error { calls++; return nil },
	}
	if err := UpdateActiveRow(state, part, false, func(ShadowRef) *Job { return nil }, sig); err != nil {
		t.Fatalf("UpdateActiveRow: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no signal calls when sig_state already matches row_state, got %d", calls)
	}
}

func TestAddRemoveJobRoundTrip(t *testing.T) {
	part := &Partition{Name: "p"}
	j := &Job{ID: "j1", Resmap: bm(4, 0)}
	part.AppendJob(j)
	part.Shadows = append(part.Shadows, ShadowRef{PartitionName: "other", JobID: "x"})

	removed, ok := part.RemoveJob("j1")
	if !ok || removed != j {
		t.Fatal("expected to remove the appended job")
	}
	if len(part.Jobs) != 0 {
		t.Fatalf("expected empty job list after removal, got %d", len(part.Jobs))
	}

	part.RemoveShadow("x")
	if len(part.Shadows) != 0 {
		t.Fatalf("expected shadow removed, got %d remaining", len(part.Shadows))
	}
}
