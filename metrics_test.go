package slurm

import (
	"errors"
	"testing"
	"time"
)

func TestMetricsFrameRouting(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.StdoutFramesRouted != 0 {
		t.Errorf("expected 0 initial frames, got %d", snap.StdoutFramesRouted)
	}

	m.RecordFrameRouted(false, 1024, true) // stdout, success
	m.RecordFrameRouted(true, 2048, true)  // stderr, success
	m.RecordFrameRouted(false, 512, false) // stdout, error
	m.RecordStdinRouted(256, true)

	snap = m.Snapshot()
	if snap.StdoutFramesRouted != 2 {
		t.Errorf("expected 2 stdout frames, got %d", snap.StdoutFramesRouted)
	}
	if snap.StderrFramesRouted != 1 {
		t.Errorf("expected 1 stderr frame, got %d", snap.StderrFramesRouted)
	}
	if snap.StdinFramesRouted != 1 {
		t.Errorf("expected 1 stdin frame, got %d", snap.StdinFramesRouted)
	}
	if snap.BytesRouted != 1024+2048+256 {
		t.Errorf("expected %d bytes routed, got %d", 1024+2048+256, snap.BytesRouted)
	}
	if snap.RouteErrors != 1 {
		t.Errorf("expected 1 route error, got %d", snap.RouteErrors)
	}
}

func TestMetricsClientLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RecordClientAttach()
	m.RecordClientAttach()
	m.RecordClientDetach()
	m.RecordCacheEviction()

	snap := m.Snapshot()
	if snap.ClientsAttached != 2 {
		t.Errorf("expected 2 attaches, got %d", snap.ClientsAttached)
	}
	if snap.ClientsDetached != 1 {
		t.Errorf("expected 1 detach, got %d", snap.ClientsDetached)
	}
	if snap.CacheEvictions != 1 {
		t.Errorf("expected 1 cache eviction, got %d", snap.CacheEvictions)
	}
}

func TestMetricsPoolExhaustion(t *testing.T) {
	m := NewMetrics()
	m.RecordPoolExhausted(false)
	m.RecordPoolExhausted(true)
	m.RecordPoolExhausted(true)

	snap := m.Snapshot()
	if snap.IncomingPoolExhausted != 1 {
		t.Errorf("expected 1 incoming exhaustion, got %d", snap.IncomingPoolExhausted)
	}
	if snap.OutgoingPoolExhausted != 2 {
		t.Errorf("expected 2 outgoing exhaustions, got %d", snap.OutgoingPoolExhausted)
	}
}

func TestMetricsJobLifecycleAndScans(t *testing.T) {
	m := NewMetrics()
	m.RecordJobStart()
	m.RecordJobStart()
	m.RecordJobFini()
	m.RecordJobScan(nil)
	m.RecordJobScan(errors.New("boom"))
	m.RecordSuspend()
	m.RecordResume()
	m.RecordResume()

	snap := m.Snapshot()
	if snap.JobsStarted != 2 {
		t.Errorf("expected 2 job starts, got %d", snap.JobsStarted)
	}
	if snap.JobsFinished != 1 {
		t.Errorf("expected 1 job fini, got %d", snap.JobsFinished)
	}
	if snap.JobScans != 2 {
		t.Errorf("expected 2 job scans, got %d", snap.JobScans)
	}
	if snap.ScanErrors != 1 {
		t.Errorf("expected 1 scan error, got %d", snap.ScanErrors)
	}
	if snap.SuspendSignals != 1 {
		t.Errorf("expected 1 suspend signal, got %d", snap.SuspendSignals)
	}
	if snap.ResumeSignals != 2 {
		t.Errorf("expected 2 resume signals, got %d", snap.ResumeSignals)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordActiveRowRebuild(1_000_000) // 1ms
	m.RecordTimesliceTick(2_000_000)    // 2ms

	snap := m.Snapshot()
	if snap.ActiveRowRebuilds != 1 {
		t.Errorf("expected 1 active row rebuild, got %d", snap.ActiveRowRebuilds)
	}
	if snap.TimesliceTicks != 1 {
		t.Errorf("expected 1 timeslice tick, got %d", snap.TimesliceTicks)
	}

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordFrameRouted(false, 1024, true)
	m.RecordJobStart()
	m.RecordActiveRowRebuild(1_000_000)

	snap := m.Snapshot()
	if snap.StdoutFramesRouted == 0 {
		t.Error("expected some frames before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.StdoutFramesRouted != 0 {
		t.Errorf("expected 0 frames after reset, got %d", snap.StdoutFramesRouted)
	}
	if snap.JobsStarted != 0 {
		t.Errorf("expected 0 job starts after reset, got %d", snap.JobsStarted)
	}
	if snap.BytesRouted != 0 {
		t.Errorf("expected 0 bytes after reset, got %d", snap.BytesRouted)
	}
}

func TestMetricsErrorRate(t *testing.T) {
	m := NewMetrics()
	m.RecordFrameRouted(false, 1024, true)
	m.RecordFrameRouted(false, 2048, true)
	m.RecordFrameRouted(true, 512, false)

	snap := m.Snapshot()
	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordActiveRowRebuild(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordTimesliceTick(5_000_000) // 5ms
	}
	m.RecordTimesliceTick(50_000_000) // 50ms, the single slowest sample (the P99 falls on the 5ms samples)

	snap := m.Snapshot()
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	var totalInBuckets uint64
	for _, v := range snap.LatencyHistogram {
		totalInBuckets += v
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
