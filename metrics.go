package slurm

import (
	"sync/atomic"
	"time"

	"github.com/pdesr/slurm/internal/promexport"
)

// LatencyBuckets defines the tick-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a running iomuxd or gangd
// process. Both daemons share one struct since SPEC_FULL's promexport
// collector walks a single set of atomics regardless of which process
// embeds it.
type Metrics struct {
	// IO-MUX: frame routing
	StdoutFramesRouted atomic.Uint64
	StderrFramesRouted atomic.Uint64
	StdinFramesRouted  atomic.Uint64
	BytesRouted        atomic.Uint64
	RouteErrors        atomic.Uint64

	// IO-MUX: client lifecycle
	ClientsAttached atomic.Uint64
	ClientsDetached atomic.Uint64
	CacheEvictions  atomic.Uint64

	// IO-MUX: buffer pool pressure
	IncomingPoolExhausted atomic.Uint64
	OutgoingPoolExhausted atomic.Uint64

	// GANG: job lifecycle
	JobsStarted  atomic.Uint64
	JobsFinished atomic.Uint64
	JobScans     atomic.Uint64
	ScanErrors   atomic.Uint64

	// GANG: suspend/resume signaling
	SuspendSignals atomic.Uint64
	ResumeSignals  atomic.Uint64

	// GANG: scheduling cycles
	ActiveRowRebuilds atomic.Uint64
	TimesliceTicks    atomic.Uint64

	// Tick/rebuild latency
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFrameRouted records one routed stdout/stderr frame.
func (m *Metrics) RecordFrameRouted(isStderr bool, bytes uint64, success bool) {
	if isStderr {
		m.StderrFramesRouted.Add(1)
	} else {
		m.StdoutFramesRouted.Add(1)
	}
	if success {
		m.BytesRouted.Add(bytes)
	} else {
		m.RouteErrors.Add(1)
	}
}

// RecordStdinRouted records one routed stdin frame.
func (m *Metrics) RecordStdinRouted(bytes uint64, success bool) {
	m.StdinFramesRouted.Add(1)
	if success {
		m.BytesRouted.Add(bytes)
	} else {
		m.RouteErrors.Add(1)
	}
}

// RecordClientAttach records a client socket attaching to the multiplexer.
func (m *Metrics) RecordClientAttach() { m.ClientsAttached.Add(1) }

// RecordClientDetach records a client socket detaching.
func (m *Metrics) RecordClientDetach() { m.ClientsDetached.Add(1) }

// RecordCacheEviction records the replay cache dropping its oldest buffer.
func (m *Metrics) RecordCacheEviction() { m.CacheEvictions.Add(1) }

// RecordPoolExhausted records an allocation attempt against an empty
// buffer pool (incoming or outgoing).
func (m *Metrics) RecordPoolExhausted(outgoing bool) {
	if outgoing {
		m.OutgoingPoolExhausted.Add(1)
	} else {
		m.IncomingPoolExhausted.Add(1)
	}
}

// RecordJobStart records a job admitted via job_start.
func (m *Metrics) RecordJobStart() { m.JobsStarted.Add(1) }

// RecordJobFini records a job removed via job_fini.
func (m *Metrics) RecordJobFini() { m.JobsFinished.Add(1) }

// RecordJobScan records a completed job_scan pass.
func (m *Metrics) RecordJobScan(err error) {
	m.JobScans.Add(1)
	if err != nil {
		m.ScanErrors.Add(1)
	}
}

// RecordSuspend records one SUSPEND signal delivered.
func (m *Metrics) RecordSuspend() { m.SuspendSignals.Add(1) }

// RecordResume records one RESUME signal delivered.
func (m *Metrics) RecordResume() { m.ResumeSignals.Add(1) }

// RecordActiveRowRebuild records one update_all_active_rows pass (an
// update_active_row call on every partition), with its wall-clock latency.
func (m *Metrics) RecordActiveRowRebuild(latencyNs uint64) {
	m.ActiveRowRebuilds.Add(1)
	m.recordLatency(latencyNs)
}

// RecordTimesliceTick records one timeslicer pass, with its wall-clock
// latency.
func (m *Metrics) RecordTimesliceTick(latencyNs uint64) {
	m.TimesliceTicks.Add(1)
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the process as stopped, fixing UptimeNs in future snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	StdoutFramesRouted uint64
	StderrFramesRouted uint64
	StdinFramesRouted  uint64
	BytesRouted        uint64
	RouteErrors        uint64

	ClientsAttached uint64
	ClientsDetached uint64
	CacheEvictions  uint64

	IncomingPoolExhausted uint64
	OutgoingPoolExhausted uint64

	JobsStarted  uint64
	JobsFinished uint64
	JobScans     uint64
	ScanErrors   uint64

	SuspendSignals uint64
	ResumeSignals  uint64

	ActiveRowRebuilds uint64
	TimesliceTicks    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	FramesPerSecond float64
	ErrorRate       float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		StdoutFramesRouted:    m.StdoutFramesRouted.Load(),
		StderrFramesRouted:    m.StderrFramesRouted.Load(),
		StdinFramesRouted:     m.StdinFramesRouted.Load(),
		BytesRouted:           m.BytesRouted.Load(),
		RouteErrors:           m.RouteErrors.Load(),
		ClientsAttached:       m.ClientsAttached.Load(),
		ClientsDetached:       m.ClientsDetached.Load(),
		CacheEvictions:        m.CacheEvictions.Load(),
		IncomingPoolExhausted: m.IncomingPoolExhausted.Load(),
		OutgoingPoolExhausted: m.OutgoingPoolExhausted.Load(),
		JobsStarted:           m.JobsStarted.Load(),
		JobsFinished:          m.JobsFinished.Load(),
		JobScans:              m.JobScans.Load(),
		ScanErrors:            m.ScanErrors.Load(),
		SuspendSignals:        m.SuspendSignals.Load(),
		ResumeSignals:         m.ResumeSignals.Load(),
		ActiveRowRebuilds:     m.ActiveRowRebuilds.Load(),
		TimesliceTicks:        m.TimesliceTicks.Load(),
	}

	totalFrames := snap.StdoutFramesRouted + snap.StderrFramesRouted + snap.StdinFramesRouted

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.FramesPerSecond = float64(totalFrames) / uptimeSeconds
	}

	if totalFrames > 0 {
		snap.ErrorRate = float64(snap.RouteErrors) / float64(totalFrames) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.StdoutFramesRouted.Store(0)
	m.StderrFramesRouted.Store(0)
	m.StdinFramesRouted.Store(0)
	m.BytesRouted.Store(0)
	m.RouteErrors.Store(0)
	m.ClientsAttached.Store(0)
	m.ClientsDetached.Store(0)
	m.CacheEvictions.Store(0)
	m.IncomingPoolExhausted.Store(0)
	m.OutgoingPoolExhausted.Store(0)
	m.JobsStarted.Store(0)
	m.JobsFinished.Store(0)
	m.JobScans.Store(0)
	m.ScanErrors.Store(0)
	m.SuspendSignals.Store(0)
	m.ResumeSignals.Store(0)
	m.ActiveRowRebuilds.Store(0)
	m.TimesliceTicks.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// ExportSnapshot adapts Snapshot to internal/promexport's field set. Pass
// m.ExportSnapshot to promexport.New so the collector pulls a fresh
// snapshot on every Prometheus scrape.
func (m *Metrics) ExportSnapshot() promexport.Snapshot {
	s := m.Snapshot()
	return promexport.Snapshot{
		StdoutFramesRouted:    s.StdoutFramesRouted,
		StderrFramesRouted:    s.StderrFramesRouted,
		StdinFramesRouted:     s.StdinFramesRouted,
		BytesRouted:           s.BytesRouted,
		RouteErrors:           s.RouteErrors,
		ClientsAttached:       s.ClientsAttached,
		ClientsDetached:       s.ClientsDetached,
		CacheEvictions:        s.CacheEvictions,
		IncomingPoolExhausted: s.IncomingPoolExhausted,
		OutgoingPoolExhausted: s.OutgoingPoolExhausted,
		JobsStarted:           s.JobsStarted,
		JobsFinished:          s.JobsFinished,
		JobScans:              s.JobScans,
		ScanErrors:            s.ScanErrors,
		SuspendSignals:        s.SuspendSignals,
		ResumeSignals:         s.ResumeSignals,
		ActiveRowRebuilds:     s.ActiveRowRebuilds,
		TimesliceTicks:        s.TimesliceTicks,
		AvgLatencyNs:          s.AvgLatencyNs,
		UptimeNs:              s.UptimeNs,
	}
}
