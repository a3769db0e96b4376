// Package timeslicer implements the GANG background rotation task
// (spec.md 4.10): on every tick, each partition whose active row does not
// hold all of its jobs and shadows has its ACTIVE jobs moved to the tail of
// its job list and its active row rebuilt, yielding round-robin fairness
// among conflicting jobs.
package timeslicer

import (
	"context"
	"time"

	"github.com/pdesr/slurm/internal/interfaces"
	"github.com/pdesr/slurm/internal/partition"
	"github.com/pdesr/slurm/internal/resource"
)

// Timeslicer drives periodic rotation. The actual per-tick work (acquire
// data_lock, sort partitions, call CycleJobList where admissible) is
// supplied by the scheduler as tick, since only the scheduler owns the
// data lock and the partition set (spec.md 5: timeslicer must not hold any
// GANG lock itself between ticks).
type Timeslicer struct {
	interval time.Duration
	tick     func(ctx context.Context) error
	logger   interfaces.Logger

	shutdown chan struct{}
	done     chan struct{}
}

// New creates a Timeslicer. tick is invoked once per interval until
// Shutdown is called or ctx passed to Run is done.
func New(interval time.Duration, tick func(ctx context.Context) error, logger interfaces.Logger) *Timeslicer {
	return &Timeslicer{
		interval: interval,
		tick:     tick,
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes tick once per interval until shutdown or ctx cancellation.
// Intended to run on its own goroutine, spawned by Scheduler.Init.
func (t *Timeslicer) Run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-t.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := t.tick(ctx); err != nil && t.logger != nil {
			t.logger.Errorf("timeslicer: tick: %v", err)
		}

		select {
		case <-t.shutdown:
			return
		case <-ctx.Done():
			return
		case <-time.After(t.interval):
		}
	}
}

// Shutdown requests cooperative stop and waits up to grace for Run to
// return; past that it logs a warning and returns without stopping Run
// (spec.md 9: replacing "pthread_cancel in a loop" with a bounded,
// observable fallback).
func (t *Timeslicer) Shutdown(grace time.Duration) {
	select {
	case <-t.shutdown:
	default:
		close(t.shutdown)
	}
	select {
	case <-t.done:
	case <-time.After(grace):
		if t.logger != nil {
			t.logger.Warnf("timeslicer: did not acknowledge shutdown within %s, abandoning", grace)
		}
	}
}

// CycleJobList implements spec.md 4.10's cycle_job_list: at most one
// rotation of p's job list per call, followed by a row rebuild and the
// resulting suspend/resume signal transitions.
func CycleJobList(state *resource.State, p *partition.Partition, resolve partition.Resolver, sig partition.Signaler) error {
	rotateActiveAndFillerToTail(p)

	partition.BuildActiveRow(state, p, resolve)

	for _, j := range p.Jobs {
		if j.RowState == partition.NoActive && j.SigState == partition.Resume {
			if sig.Suspend != nil {
				if err := sig.Suspend(j); err != nil {
					return err
				}
			}
			j.SigState = partition.Suspend
		}
	}
	for _, j := range p.Jobs {
		if j.RowState == partition.Active && j.SigState == partition.Suspend {
			if sig.Resume != nil {
				if err := sig.Resume(j); err != nil {
					return err
				}
			}
			j.SigState = partition.Resume
		}
	}
	return nil
}

// rotateActiveAndFillerToTail implements step 1: every ACTIVE job moves to
// the tail (preserving the relative order of the non-ACTIVE prefix) and
// reverts to NO_ACTIVE; every FILLER job also reverts to NO_ACTIVE in
// place.
func rotateActiveAndFillerToTail(p *partition.Partition) {
	rest := make([]*partition.Job, 0, len(p.Jobs))
	var rotated []*partition.Job
	for _, j := range p.Jobs {
		switch j.RowState {
		case partition.Active:
			j.RowState = partition.NoActive
			rotated = append(rotated, j)
		case partition.Filler:
			j.RowState = partition.NoActive
			rest = append(rest, j)
		default:
			rest = append(rest, j)
		}
	}
	p.Jobs = append(rest, rotated...)
}
