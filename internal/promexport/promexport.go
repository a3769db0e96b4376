// Package promexport exposes a root Metrics struct to Prometheus, the one
// ecosystem dependency the root metrics struct never wired on its own (spec.md
// 2/9's AMBIENT STACK addition). Both cmd/iomuxd and cmd/gangd register one
// Collector over their shared *slurm.Metrics.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotFunc produces one Snapshot per scrape. cmd/ binaries pass a
// closure adapting *slurm.Metrics.Snapshot, keeping internal/ packages from
// importing the module root (matching this repo's internal/ -> root
// dependency direction).
type SnapshotFunc func() Snapshot

// Snapshot mirrors slurm.MetricsSnapshot's field set that promexport cares
// to export.
type Snapshot struct {
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
}

// Collector implements prometheus.Collector by snapshotting a Metrics
// value on every scrape, matching the pull model client_golang expects
// rather than pushing updates on every Record* call.
type Collector struct {
	src SnapshotFunc

	framesRouted   *prometheus.Desc
	bytesRouted    *prometheus.Desc
	routeErrors    *prometheus.Desc
	clientsGauge   *prometheus.Desc
	poolExhausted  *prometheus.Desc
	jobsStarted    *prometheus.Desc
	jobsFinished   *prometheus.Desc
	jobScans       *prometheus.Desc
	scanErrors     *prometheus.Desc
	suspendSignals *prometheus.Desc
	resumeSignals  *prometheus.Desc
	rebuilds       *prometheus.Desc
	ticks          *prometheus.Desc
	avgLatency     *prometheus.Desc
	uptime         *prometheus.Desc
}

// New builds a Collector that calls src on every scrape. Call
// prometheus.MustRegister(New(src)) once per process.
func New(src SnapshotFunc) *Collector {
	return &Collector{
		src: src,
		framesRouted: prometheus.NewDesc(
			"slurm_frames_routed_total", "Frames routed, by direction.",
			[]string{"direction"}, nil),
		bytesRouted: prometheus.NewDesc(
			"slurm_bytes_routed_total", "Bytes routed across all directions.", nil, nil),
		routeErrors: prometheus.NewDesc(
			"slurm_route_errors_total", "Frame routing errors.", nil, nil),
		clientsGauge: prometheus.NewDesc(
			"slurm_clients_total", "Client attach/detach counts.", []string{"event"}, nil),
		poolExhausted: prometheus.NewDesc(
			"slurm_pool_exhausted_total", "Buffer pool exhaustion events, by pool.",
			[]string{"pool"}, nil),
		jobsStarted: prometheus.NewDesc(
			"slurm_jobs_started_total", "Jobs admitted via job_start.", nil, nil),
		jobsFinished: prometheus.NewDesc(
			"slurm_jobs_finished_total", "Jobs removed via job_fini.", nil, nil),
		jobScans: prometheus.NewDesc(
			"slurm_job_scans_total", "job_scan passes completed.", nil, nil),
		scanErrors: prometheus.NewDesc(
			"slurm_scan_errors_total", "job_scan passes that returned an error.", nil, nil),
		suspendSignals: prometheus.NewDesc(
			"slurm_suspend_signals_total", "SUSPEND signals delivered.", nil, nil),
		resumeSignals: prometheus.NewDesc(
			"slurm_resume_signals_total", "RESUME signals delivered.", nil, nil),
		rebuilds: prometheus.NewDesc(
			"slurm_active_row_rebuilds_total", "update_all_active_rows passes.", nil, nil),
		ticks: prometheus.NewDesc(
			"slurm_timeslice_ticks_total", "Timeslicer passes completed.", nil, nil),
		avgLatency: prometheus.NewDesc(
			"slurm_tick_latency_ns_avg", "Average scheduling-cycle latency in nanoseconds.", nil, nil),
		uptime: prometheus.NewDesc(
			"slurm_uptime_seconds", "Process uptime in seconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesRouted
	ch <- c.bytesRouted
	ch <- c.routeErrors
	ch <- c.clientsGauge
	ch <- c.poolExhausted
	ch <- c.jobsStarted
	ch <- c.jobsFinished
	ch <- c.jobScans
	ch <- c.scanErrors
	ch <- c.suspendSignals
	ch <- c.resumeSignals
	ch <- c.rebuilds
	ch <- c.ticks
	ch <- c.avgLatency
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src()

	ch <- prometheus.MustNewConstMetric(c.framesRouted, prometheus.CounterValue, float64(s.StdoutFramesRouted), "stdout")
	ch <- prometheus.MustNewConstMetric(c.framesRouted, prometheus.CounterValue, float64(s.StderrFramesRouted), "stderr")
	ch <- prometheus.MustNewConstMetric(c.framesRouted, prometheus.CounterValue, float64(s.StdinFramesRouted), "stdin")
	ch <- prometheus.MustNewConstMetric(c.bytesRouted, prometheus.CounterValue, float64(s.BytesRouted))
	ch <- prometheus.MustNewConstMetric(c.routeErrors, prometheus.CounterValue, float64(s.RouteErrors))

	ch <- prometheus.MustNewConstMetric(c.clientsGauge, prometheus.CounterValue, float64(s.ClientsAttached), "attached")
	ch <- prometheus.MustNewConstMetric(c.clientsGauge, prometheus.CounterValue, float64(s.ClientsDetached), "detached")

	ch <- prometheus.MustNewConstMetric(c.poolExhausted, prometheus.CounterValue, float64(s.IncomingPoolExhausted), "incoming")
	ch <- prometheus.MustNewConstMetric(c.poolExhausted, prometheus.CounterValue, float64(s.OutgoingPoolExhausted), "outgoing")

	ch <- prometheus.MustNewConstMetric(c.jobsStarted, prometheus.CounterValue, float64(s.JobsStarted))
	ch <- prometheus.MustNewConstMetric(c.jobsFinished, prometheus.CounterValue, float64(s.JobsFinished))
	ch <- prometheus.MustNewConstMetric(c.jobScans, prometheus.CounterValue, float64(s.JobScans))
	ch <- prometheus.MustNewConstMetric(c.scanErrors, prometheus.CounterValue, float64(s.ScanErrors))
	ch <- prometheus.MustNewConstMetric(c.suspendSignals, prometheus.CounterValue, float64(s.SuspendSignals))
	ch <- prometheus.MustNewConstMetric(c.resumeSignals, prometheus.CounterValue, float64(s.ResumeSignals))
	ch <- prometheus.MustNewConstMetric(c.rebuilds, prometheus.CounterValue, float64(s.ActiveRowRebuilds))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(s.TimesliceTicks))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, float64(s.AvgLatencyNs))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(s.UptimeNs)/1e9)
}

var _ prometheus.Collector = (*Collector)(nil)
