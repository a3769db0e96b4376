package slurm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/pdesr/slurm/internal/constants"
	"github.com/pdesr/slurm/internal/external"
	"github.com/pdesr/slurm/internal/interfaces"
	"github.com/pdesr/slurm/internal/partition"
	"github.com/pdesr/slurm/internal/resource"
	"github.com/pdesr/slurm/internal/timeslicer"
)

// GangConfig configures a Scheduler.
type GangConfig struct {
	SelectTypeParam string
	NodeCount       int
	TimesliceSecs   int // seconds; 0 uses constants.DefaultTimesliceSecs

	JobSource external.JobSource
	Suspender external.SuspendSignaler
	Topology  external.NodeTopology
	Cores     external.CoreCounter
	Logger    interfaces.Logger

	// Metrics records operational counters for this Scheduler, if set. Nil
	// is safe; no counters are recorded.
	Metrics *Metrics
}

// Scheduler is the GANG cluster gang-scheduler coordinator (spec.md 4.9:
// Scheduler coordinator, C9).
type Scheduler struct {
	cfg   GangConfig
	state *resource.State

	dataLock   sync.Mutex
	threadLock sync.Mutex

	parts       map[string]*partition.Partition
	partsOrder  []string
	partsSorted []*partition.Partition
	jobIndex    map[string]string // jobID -> partition name

	slicer *timeslicer.Timeslicer
}

// NewScheduler allocates an unstarted Scheduler; call Init to load
// partitions/jobs and spawn the timeslicer.
func NewScheduler(cfg GangConfig) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		parts:    make(map[string]*partition.Partition),
		jobIndex: make(map[string]string),
	}
}

// Init implements spec.md 4.9's init(): derive the resource model, build
// empty partitions from the external partition list, adopt existing jobs
// via JobScan, then spawn the timeslicer.
func (s *Scheduler) Init(ctx context.Context) error {
	return s.withRecover("init", func() error {
		state, err := resource.NewState(s.cfg.SelectTypeParam, s.cfg.Topology, s.cfg.NodeCount)
		if err != nil {
			return fmt.Errorf("gang: init: %w", err)
		}
		s.state = state

		records, err := s.cfg.JobSource.Partitions(ctx)
		if err != nil {
			return fmt.Errorf("gang: init: partitions: %w", err)
		}

		s.dataLock.Lock()
		s.parts = make(map[string]*partition.Partition, len(records))
		s.partsOrder = make([]string, 0, len(records))
		for _, rec := range records {
			s.parts[rec.Name] = &partition.Partition{Name: rec.Name, Priority: rec.Priority}
			s.partsOrder = append(s.partsOrder, rec.Name)
		}
		s.jobIndex = make(map[string]string)
		s.rebuildPartsSortedLocked()
		s.dataLock.Unlock()

		if err := s.JobScan(ctx); err != nil {
			return fmt.Errorf("gang: init: job_scan: %w", err)
		}

		return s.spawnTimeslicer(ctx)
	})
}

func (s *Scheduler) spawnTimeslicer(ctx context.Context) error {
	s.threadLock.Lock()
	defer s.threadLock.Unlock()

	interval := constants.DefaultTimesliceSecs
	if s.cfg.TimesliceSecs > 0 {
		interval = time.Duration(s.cfg.TimesliceSecs) * time.Second
	}
	s.slicer = timeslicer.New(interval, s.tick, s.cfg.Logger)
	go s.slicer.Run(ctx)
	return nil
}

// Fini implements spec.md 4.9's fini(): signal timeslicer shutdown, wait
// once for it up to TimeslicerShutdownGrace, destroy all partitions.
func (s *Scheduler) Fini() {
	s.threadLock.Lock()
	if s.slicer != nil {
		s.slicer.Shutdown(constants.TimeslicerShutdownGrace)
	}
	s.threadLock.Unlock()

	s.dataLock.Lock()
	s.parts = make(map[string]*partition.Partition)
	s.partsOrder = nil
	s.partsSorted = nil
	s.jobIndex = make(map[string]string)
	s.dataLock.Unlock()
}

// JobStart implements spec.md 4.9's job_start(job): locate the partition,
// add the job (suspending it immediately if it does not fit), and rebuild
// all active rows, since either admission or the resulting suspend may
// shadow-preempt or free up peers.
func (s *Scheduler) JobStart(rec external.JobRecord) error {
	return s.withRecover("job_start", func() error {
		s.dataLock.Lock()
		defer s.dataLock.Unlock()

		part, ok := s.parts[rec.Partition]
		if !ok {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warnf("gang: job_start: unknown partition %q for job %q, skipping", rec.Partition, rec.JobID)
			}
			return nil
		}

		_, err := s.addJobToPartLocked(part, rec)
		if err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Errorf("gang: job_start: job %q: %v", rec.JobID, err)
			}
			return nil
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordJobStart()
		}
		// Admission may have shadow-preempted peers in lower-priority
		// partitions regardless of whether this job itself was admitted, so
		// always rebuild rather than skipping when it didn't fit.
		return s.updateAllActiveRowsLocked()
	})
}

// JobFini implements spec.md 4.9's job_fini(job): remove the job (clearing
// any shadows it cast), then rebuild all active rows since its removal may
// free resources for FILLER admission elsewhere.
func (s *Scheduler) JobFini(jobID string) error {
	return s.withRecover("job_fini", func() error {
		s.dataLock.Lock()
		defer s.dataLock.Unlock()

		s.removeJobFromPartLocked(jobID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordJobFini()
		}
		return s.updateAllActiveRowsLocked()
	})
}

// JobScan implements spec.md 4.9's job_scan(): reconcile the tracked job
// set against the authoritative external job list.
func (s *Scheduler) JobScan(ctx context.Context) error {
	return s.withRecover("job_scan", func() error {
		extJobs, err := s.cfg.JobSource.Jobs(ctx)
		if err != nil {
			return fmt.Errorf("gang: job_scan: %w", err)
		}

		s.dataLock.Lock()
		defer s.dataLock.Unlock()

		live := make(map[string]bool, len(extJobs))
		for _, rec := range extJobs {
			switch rec.State {
			case external.Running, external.Suspended:
				live[rec.JobID] = true
				if _, tracked := s.jobIndex[rec.JobID]; tracked {
					continue
				}
				if s.cfg.Suspender != nil {
					if err := s.cfg.Suspender.Resume(rec.JobID); err != nil {
						if s.cfg.Logger != nil {
							s.cfg.Logger.Errorf("gang: job_scan: resume %q: %v", rec.JobID, err)
						}
					} else if s.cfg.Metrics != nil {
						s.cfg.Metrics.RecordResume()
					}
				}
				part, ok := s.parts[rec.Partition]
				if !ok {
					if s.cfg.Logger != nil {
						s.cfg.Logger.Warnf("gang: job_scan: unknown partition %q for job %q, skipping", rec.Partition, rec.JobID)
					}
					continue
				}
				if _, err := s.addJobToPartLocked(part, rec); err != nil && s.cfg.Logger != nil {
					s.cfg.Logger.Errorf("gang: job_scan: job %q: %v", rec.JobID, err)
				}
			}
		}

		for jobID := range s.jobIndex {
			if !live[jobID] {
				s.removeJobFromPartLocked(jobID)
			}
		}

		err = s.updateAllActiveRowsLocked()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordJobScan(err)
		}
		return err
	})
}

// Reconfig implements spec.md 4.9's reconfig(): rebuild the partition set
// from the current external partition list, transferring jobs that
// survive and resuming suspended jobs whose partition disappeared.
func (s *Scheduler) Reconfig(ctx context.Context) error {
	return s.withRecover("reconfig", func() error {
		records, err := s.cfg.JobSource.Partitions(ctx)
		if err != nil {
			return fmt.Errorf("gang: reconfig: partitions: %w", err)
		}
		extJobs, err := s.cfg.JobSource.Jobs(ctx)
		if err != nil {
			return fmt.Errorf("gang: reconfig: jobs: %w", err)
		}
		extByID := make(map[string]external.JobRecord, len(extJobs))
		for _, j := range extJobs {
			extByID[j.JobID] = j
		}

		s.dataLock.Lock()

		newParts := make(map[string]*partition.Partition, len(records))
		newOrder := make([]string, 0, len(records))
		for _, rec := range records {
			newParts[rec.Name] = &partition.Partition{Name: rec.Name, Priority: rec.Priority}
			newOrder = append(newOrder, rec.Name)
		}

		oldParts := s.parts
		s.parts = newParts
		s.partsOrder = newOrder
		s.jobIndex = make(map[string]string)
		s.rebuildPartsSortedLocked()

		for name, old := range oldParts {
			newPart, survives := s.parts[name]
			for _, job := range old.Jobs {
				rec, exists := extByID[job.ID]
				if !exists {
					continue
				}
				if !survives {
					if job.SigState == partition.Suspend && s.cfg.Suspender != nil {
						if err := s.cfg.Suspender.Resume(job.ID); err != nil && s.cfg.Logger != nil {
							s.cfg.Logger.Errorf("gang: reconfig: resume %q: %v", job.ID, err)
						}
					}
					continue
				}
				if job.SigState == partition.Suspend && s.cfg.Suspender != nil {
					if err := s.cfg.Suspender.Resume(job.ID); err != nil && s.cfg.Logger != nil {
						s.cfg.Logger.Errorf("gang: reconfig: resume %q: %v", job.ID, err)
					}
				}
				if _, err := s.addJobToPartLocked(newPart, rec); err != nil && s.cfg.Logger != nil {
					s.cfg.Logger.Errorf("gang: reconfig: re-add %q: %v", job.ID, err)
				}
			}
		}
		s.dataLock.Unlock()

		if err := s.JobScan(ctx); err != nil {
			return err
		}

		s.dataLock.Lock()
		defer s.dataLock.Unlock()
		return s.updateAllActiveRowsLocked()
	})
}

// addJobToPartLocked implements the add_job_to_part operation C9 uses from
// job_start, job_scan, and reconfig: compute the job's resmap/alloc_cpus,
// determine whether it is immediately admissible, append it, and either
// cast a shadow (admitted) or issue a real suspend signal (not admitted —
// a newly started job, or one job_scan or reconfig has just resumed, is
// running externally until this suspend lands). Caller must hold dataLock.
func (s *Scheduler) addJobToPartLocked(part *partition.Partition, rec external.JobRecord) (*partition.Job, error) {
	nodeBitmap := bitset.From(rec.NodeBitmap)

	resmap, err := s.state.JobToResmap(s.cfg.Topology, s.cfg.Cores, rec.JobID, nodeBitmap)
	if err != nil {
		return nil, err
	}
	if resmap.Len() != uint(s.state.ResmapSize) {
		panic(fmt.Sprintf("gang: resmap size drift: job %q got %d bits, want %d", rec.JobID, resmap.Len(), s.state.ResmapSize))
	}
	allocCPUs, err := s.state.AllocCPUs(s.cfg.Topology, s.cfg.Cores, rec.JobID, nodeBitmap)
	if err != nil {
		return nil, err
	}

	job := &partition.Job{
		ID:        rec.JobID,
		Resmap:    resmap,
		AllocCPUs: allocCPUs,
		SigState:  partition.Suspend,
		RowState:  partition.NoActive,
	}

	if partition.FitsInActiveRow(s.state, job, part) {
		partition.AddToActive(s.state, job, part)
		part.JobsActive++
		job.RowState = partition.Filler
		job.SigState = partition.Resume
	}

	part.AppendJob(job)
	s.jobIndex[job.ID] = part.Name

	if job.SigState == partition.Resume {
		s.castShadowLocked(part, job)
	} else if s.cfg.Suspender != nil {
		if err := s.cfg.Suspender.Suspend(job.ID); err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Errorf("gang: add_job_to_part: suspend %q: %v", job.ID, err)
			}
		} else if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSuspend()
		}
	}
	return job, nil
}

// removeJobFromPartLocked implements remove_job_from_part: drop the job
// from its owning partition and clear every shadow reference to it,
// cross-partition. Caller must hold dataLock.
func (s *Scheduler) removeJobFromPartLocked(jobID string) {
	partName, ok := s.jobIndex[jobID]
	if !ok {
		return
	}
	if part, ok := s.parts[partName]; ok {
		part.RemoveJob(jobID)
	}
	delete(s.jobIndex, jobID)
	for _, p := range s.parts {
		p.RemoveShadow(jobID)
	}
}

// castShadowLocked appends job as a shadow of every partition with
// strictly lower priority than part, deduplicating (spec.md 4.9: "Shadow
// casting"). Caller must hold dataLock.
func (s *Scheduler) castShadowLocked(part *partition.Partition, job *partition.Job) {
	ref := partition.ShadowRef{PartitionName: part.Name, JobID: job.ID}
	for _, p := range s.parts {
		if p.Priority >= part.Priority {
			continue
		}
		dup := false
		for _, existing := range p.Shadows {
			if existing == ref {
				dup = true
				break
			}
		}
		if !dup {
			p.Shadows = append(p.Shadows, ref)
		}
	}
}

func (s *Scheduler) resolverLocked() partition.Resolver {
	return func(ref partition.ShadowRef) *partition.Job {
		p, ok := s.parts[ref.PartitionName]
		if !ok {
			return nil
		}
		for _, j := range p.Jobs {
			if j.ID == ref.JobID {
				return j
			}
		}
		return nil
	}
}

// signalerLocked builds the partition.Signaler the Scheduler hands to
// BuildActiveRow/UpdateActiveRow/CycleJobList. Per spec.md 4.10 steps 3-4,
// a job going NO_ACTIVE clears every shadow it cast elsewhere, and a job
// becoming ACTIVE/FILLER (re-)casts its shadow onto lower-priority
// partitions. Caller must hold dataLock.
func (s *Scheduler) signalerLocked() partition.Signaler {
	return partition.Signaler{
		Suspend: func(j *partition.Job) error {
			s.clearShadowsCastByLocked(j.ID)
			if s.cfg.Suspender == nil {
				return nil
			}
			err := s.cfg.Suspender.Suspend(j.ID)
			if err == nil && s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordSuspend()
			}
			return err
		},
		Resume: func(j *partition.Job) error {
			if partName, ok := s.jobIndex[j.ID]; ok {
				if part, ok := s.parts[partName]; ok {
					s.castShadowLocked(part, j)
				}
			}
			if s.cfg.Suspender == nil {
				return nil
			}
			err := s.cfg.Suspender.Resume(j.ID)
			if err == nil && s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordResume()
			}
			return err
		},
	}
}

// clearShadowsCastByLocked drops jobID's shadow from every partition.
// Caller must hold dataLock.
func (s *Scheduler) clearShadowsCastByLocked(jobID string) {
	for _, p := range s.parts {
		p.RemoveShadow(jobID)
	}
}

// updateAllActiveRowsLocked rebuilds every partition's active row in
// priority order. Caller must hold dataLock.
func (s *Scheduler) updateAllActiveRowsLocked() error {
	start := time.Now()
	resolve := s.resolverLocked()
	sig := s.signalerLocked()
	for _, part := range s.partsSorted {
		if err := partition.UpdateActiveRow(s.state, part, true, resolve, sig); err != nil {
			return fmt.Errorf("gang: update_active_row(%s): %w", part.Name, err)
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordActiveRowRebuild(uint64(time.Since(start).Nanoseconds()))
	}
	return nil
}

// rebuildPartsSortedLocked rebuilds partsSorted from scratch, used when
// the partition count changes (spec.md 4.9: "Priority sort").
func (s *Scheduler) rebuildPartsSortedLocked() {
	s.partsSorted = make([]*partition.Partition, 0, len(s.partsOrder))
	for _, name := range s.partsOrder {
		if p, ok := s.parts[name]; ok {
			s.partsSorted = append(s.partsSorted, p)
		}
	}
	s.bubbleSortPartsSortedLocked()
}

// bubbleSortPartsSortedLocked re-sorts partsSorted by descending priority.
// A bubble sort is deliberate: partitions are few and priorities may
// mutate between ticks, so a full re-sort from an already-near-sorted
// slice is cheap (spec.md 4.9).
func (s *Scheduler) bubbleSortPartsSortedLocked() {
	n := len(s.partsSorted)
	for i := 0; i < n; i++ {
		for j := 0; j < n-i-1; j++ {
			if s.partsSorted[j].Priority < s.partsSorted[j+1].Priority {
				s.partsSorted[j], s.partsSorted[j+1] = s.partsSorted[j+1], s.partsSorted[j]
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	s.dataLock.Lock()
	defer s.dataLock.Unlock()

	start := time.Now()
	s.bubbleSortPartsSortedLocked()
	resolve := s.resolverLocked()
	sig := s.signalerLocked()
	for _, part := range s.partsSorted {
		if part.JobsActive < len(part.Jobs)+len(part.Shadows) {
			if err := timeslicer.CycleJobList(s.state, part, resolve, sig); err != nil {
				return err
			}
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordTimesliceTick(uint64(time.Since(start).Nanoseconds()))
	}
	return nil
}

// withRecover wraps a Scheduler entry point so an invariant-violation
// panic is logged before propagating (spec.md 7: "abort via panic wrapped
// in a recover at the Scheduler boundary that logs and re-panics").
func (s *Scheduler) withRecover(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Errorf("gang: %s: invariant violation: %v", op, r)
			}
			panic(r)
		}
	}()
	return fn()
}

// Snapshot returns a copy of a partition's current state, for tests. The
// Jobs and Shadows slices are fresh copies, but the *Job values they hold
// are shared with the Scheduler. Returns nil if the partition is unknown.
func (s *Scheduler) Snapshot(name string) *partition.Partition {
	s.dataLock.Lock()
	defer s.dataLock.Unlock()
	p, ok := s.parts[name]
	if !ok {
		return nil
	}
	cp := *p
	cp.Jobs = append([]*partition.Job(nil), p.Jobs...)
	cp.Shadows = append([]partition.ShadowRef(nil), p.Shadows...)
	return &cp
}

// PartitionNames returns the tracked partition names in priority-sorted
// order (highest first).
func (s *Scheduler) PartitionNames() []string {
	s.dataLock.Lock()
	defer s.dataLock.Unlock()
	names := make([]string, len(s.partsSorted))
	for i, p := range s.partsSorted {
		names[i] = p.Name
	}
	return names
}

