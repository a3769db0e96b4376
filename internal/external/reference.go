package external

import (
	"context"
	"fmt"
	"sync"
)

// StaticTopology is a fixed per-node CPU/socket/core count table, useful
// for tests and the cmd/ demos: a simple in-process stand-in for a
// collaborator the real daemon would get over RPC or shared memory.
type StaticTopology struct {
	CPUsPerNode    int
	SocketsPerNode int
	CoresPerSocket int
	Fast           bool
}

func (t StaticTopology) CPUs(int) int          { return t.CPUsPerNode }
func (t StaticTopology) Sockets(int) int       { return t.SocketsPerNode }
func (t StaticTopology) Cores(int, int) int    { return t.CoresPerSocket }
func (t StaticTopology) FastSchedule() bool    { return t.Fast }

// StaticJobSource serves a fixed partition/job list, with call tracking for
// assertions in tests.
type StaticJobSource struct {
	mu         sync.RWMutex
	partitions []PartitionRecord
	jobs       []JobRecord

	partitionsCalls int
	jobsCalls       int
}

func NewStaticJobSource(partitions []PartitionRecord, jobs []JobRecord) *StaticJobSource {
	return &StaticJobSource{partitions: partitions, jobs: jobs}
}

func (s *StaticJobSource) Partitions(context.Context) ([]PartitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionsCalls++
	out := make([]PartitionRecord, len(s.partitions))
	copy(out, s.partitions)
	return out, nil
}

func (s *StaticJobSource) Jobs(context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobsCalls++
	out := make([]JobRecord, len(s.jobs))
	copy(out, s.jobs)
	return out, nil
}

// SetJobState mutates a tracked job's external state in place, for tests
// that exercise job_scan's RUNNING/SUSPENDED/COMPLETING transitions.
func (s *StaticJobSource) SetJobState(jobID string, state JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].JobID == jobID {
			s.jobs[i].State = state
			return
		}
	}
}

// RemoveJob drops a job from the external list, simulating completion.
func (s *StaticJobSource) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.JobID != jobID {
			kept = append(kept, j)
		}
	}
	s.jobs = kept
}

// AddJob appends a job to the external list.
func (s *StaticJobSource) AddJob(j JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// SetPartitions replaces the partition list, for reconfig tests.
func (s *StaticJobSource) SetPartitions(parts []PartitionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = parts
}

// LoggingSuspendSignaler records every suspend/resume call it receives,
// in order, without touching any external process. Safe to call with no
// GANG-internal lock held, satisfying spec.md 5's single-level-locking
// requirement.
type LoggingSuspendSignaler struct {
	mu    sync.Mutex
	Calls []string
}

func (s *LoggingSuspendSignaler) Suspend(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, fmt.Sprintf("SUSPEND %s", jobID))
	return nil
}

func (s *LoggingSuspendSignaler) Resume(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, fmt.Sprintf("RESUME %s", jobID))
	return nil
}

// StaticCoreCounter answers job_cores with a fixed per-(job,node,socket)
// table, defaulting to 0 for unlisted keys.
type StaticCoreCounter struct {
	counts map[[3]any]int
}

func NewStaticCoreCounter() *StaticCoreCounter {
	return &StaticCoreCounter{counts: make(map[[3]any]int)}
}

func (c *StaticCoreCounter) Set(jobID string, nodeIdx, sockIdx, cores int) {
	c.counts[[3]any{jobID, nodeIdx, sockIdx}] = cores
}

func (c *StaticCoreCounter) JobCores(jobID string, nodeIdx, sockIdx int) (int, error) {
	return c.counts[[3]any{jobID, nodeIdx, sockIdx}], nil
}

var (
	_ NodeTopology    = StaticTopology{}
	_ JobSource       = (*StaticJobSource)(nil)
	_ SuspendSignaler = (*LoggingSuspendSignaler)(nil)
	_ CoreCounter     = (*StaticCoreCounter)(nil)
)
