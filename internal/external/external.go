// Package external declares the collaborator contracts spec.md 1 names as
// out of scope for GANG (placement, auth, the authoritative job/partition
// list) so the scheduler core compiles and tests standalone. Reference
// implementations for tests and the cmd/ demos live in reference.go.
package external

import "context"

// JobState mirrors spec.md 1's job-list field {PENDING, RUNNING, SUSPENDED,
// COMPLETING}.
type JobState int

const (
	Pending JobState = iota
	Running
	Suspended
	Completing
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Completing:
		return "COMPLETING"
	default:
		return "UNKNOWN"
	}
}

// JobRecord is one entry of the authoritative job list (spec.md 1).
type JobRecord struct {
	JobID      string
	Partition  string
	State      JobState
	NodeBitmap []uint64
}

// PartitionRecord is one entry of the authoritative partition list.
type PartitionRecord struct {
	Name     string
	Priority int
}

// JobSource supplies the authoritative partition and job lists GANG scans
// at init and on every job_scan/reconfig (spec.md 4.9).
type JobSource interface {
	Partitions(ctx context.Context) ([]PartitionRecord, error)
	Jobs(ctx context.Context) ([]JobRecord, error)
}

// SuspendSignaler issues the job_suspend(job_id, SUSPEND|RESUME) primitive
// (spec.md 1). Implementations must not require any GANG-internal lock
// (spec.md 5: "single-level locking").
type SuspendSignaler interface {
	Suspend(jobID string) error
	Resume(jobID string) error
}

// NodeTopology supplies per-node resource counts (spec.md 1, 4.7).
type NodeTopology interface {
	CPUs(nodeIdx int) int
	Sockets(nodeIdx int) int
	Cores(nodeIdx, socketIdx int) int
	// FastSchedule reports whether to trust NodeTopology's advertised
	// counts (config_ptr) rather than live per-node counts (spec.md 6).
	FastSchedule() bool
}

// CoreCounter answers job_cores(job_id, node_index, socket_index) (spec.md
// 1, 4.7).
type CoreCounter interface {
	JobCores(jobID string, nodeIdx, sockIdx int) (int, error)
}
