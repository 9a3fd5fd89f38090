package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FairForge/loadcore"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	return NewSink(prometheus.NewRegistry())
}

func TestSink_RecordAndSnapshot(t *testing.T) {
	s := newTestSink(t)

	for i := 0; i < 7; i++ {
		s.Record(loadcore.ExecutionRecord{
			StartNs: 0, EndNs: int64(5 * time.Millisecond),
			Outcome: loadcore.SuccessOutcome(nil),
		})
	}
	for i := 0; i < 3; i++ {
		s.Record(loadcore.ExecutionRecord{
			StartNs: 0, EndNs: int64(20 * time.Millisecond),
			Outcome: loadcore.FailureOutcome(nil),
		})
	}

	snap := s.Snapshot()
	if snap.TotalExecutions != snap.SuccessCount+snap.FailureCount {
		t.Fatalf("invariant violated: total=%d success=%d failure=%d", snap.TotalExecutions, snap.SuccessCount, snap.FailureCount)
	}
	if snap.SuccessCount != 7 || snap.FailureCount != 3 {
		t.Fatalf("expected 7 success / 3 failure, got %d/%d", snap.SuccessCount, snap.FailureCount)
	}
	if snap.FailureRate < 29 || snap.FailureRate > 31 {
		t.Errorf("expected failure_rate near 30%%, got %v", snap.FailureRate)
	}
	if snap.SuccessRate+snap.FailureRate != 100 {
		t.Errorf("expected success_rate + failure_rate == 100, got %v + %v", snap.SuccessRate, snap.FailureRate)
	}
	for _, p := range DefaultPercentiles {
		if _, ok := snap.SuccessLatency[p]; !ok {
			t.Errorf("expected success latency percentile %v present", p)
		}
	}
}

func TestSink_EmptySnapshot(t *testing.T) {
	s := newTestSink(t)
	snap := s.Snapshot()
	if snap.TotalExecutions != 0 || snap.FailureRate != 0 {
		t.Errorf("expected a zero-valued snapshot with no executions, got %+v", snap)
	}
}

func TestSink_MetricsProviderInterface(t *testing.T) {
	s := newTestSink(t)
	var _ loadcore.MetricsProvider = s

	s.Record(loadcore.ExecutionRecord{Outcome: loadcore.FailureOutcome(nil)})
	if s.FailureRate() != 100 {
		t.Errorf("expected FailureRate() as a percentage (100), got %v", s.FailureRate())
	}
	if s.FailureCount() != 1 || s.TotalExecutions() != 1 {
		t.Errorf("expected one folded failure, got count=%d total=%d", s.FailureCount(), s.TotalExecutions())
	}
}

func TestSink_UpdateQueueSize(t *testing.T) {
	s := newTestSink(t)
	s.UpdateQueueSize(42)
	if s.queueDepth.Load() != 42 {
		t.Errorf("expected queue depth gauge to be 42, got %d", s.queueDepth.Load())
	}
}
