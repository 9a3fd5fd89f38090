package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FairForge/loadcore"
)

type constantBackpressure float64

func (c constantBackpressure) Level() float64 { return float64(c) }

type panickingBackpressure struct{}

func (panickingBackpressure) Level() float64 { panic("boom") }

func TestProvider_BatchesWithinInterval(t *testing.T) {
	sink := NewSink(prometheus.NewRegistry())
	p := NewProvider(sink, 100*time.Millisecond)

	sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.SuccessOutcome(nil)})
	first := p.GetSnapshot(0)

	sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.SuccessOutcome(nil)})
	second := p.GetSnapshot(50) // inside the batching window

	if second.TotalExecutions != first.TotalExecutions {
		t.Errorf("expected the cached snapshot to be reused within the batching window, got %+v vs %+v", first, second)
	}

	third := p.GetSnapshot(150) // outside the batching window
	if third.TotalExecutions == first.TotalExecutions {
		t.Errorf("expected a fresh snapshot once the batching window elapses")
	}
}

func TestProvider_FallsBackToOverallRateWithoutHistory(t *testing.T) {
	sink := NewSink(prometheus.NewRegistry())
	p := NewProvider(sink, 0, WithWindow(10*time.Second))

	sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.FailureOutcome(nil)})
	sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.SuccessOutcome(nil)})

	snap := p.GetSnapshot(0)
	if snap.RecentFailureRate != snap.FailureRate {
		t.Errorf("expected recent_failure_rate to fall back to overall failure_rate with no history, got %v vs %v", snap.RecentFailureRate, snap.FailureRate)
	}
}

func TestProvider_WindowedRecentFailureRate(t *testing.T) {
	sink := NewSink(prometheus.NewRegistry())
	p := NewProvider(sink, 0, WithWindow(1*time.Second))

	for i := 0; i < 10; i++ {
		sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.FailureOutcome(nil)})
	}
	p.GetSnapshot(0) // establishes the first history point, all failures

	for i := 0; i < 10; i++ {
		sink.Record(loadcore.ExecutionRecord{Outcome: loadcore.SuccessOutcome(nil)})
	}
	snap := p.GetSnapshot(2000) // 2s later: past the 1s window

	if snap.RecentFailureRate != 0 {
		t.Errorf("expected the recent window to show only the new successes (0 failures), got %v", snap.RecentFailureRate)
	}
	if snap.FailureRate == 0 {
		t.Errorf("expected the overall failure_rate to still reflect the earlier failures")
	}
}

func TestProvider_BackpressurePropagatesAndIsPanicSafe(t *testing.T) {
	sink := NewSink(prometheus.NewRegistry())

	p := NewProvider(sink, 0, WithBackpressure(constantBackpressure(0.42)))
	if got := p.GetSnapshot(0).Backpressure; got != 0.42 {
		t.Errorf("expected backpressure 0.42, got %v", got)
	}

	p2 := NewProvider(sink, 0, WithBackpressure(panickingBackpressure{}))
	if got := p2.GetSnapshot(0).Backpressure; got != 0 {
		t.Errorf("expected a panicking backpressure provider to report 0, got %v", got)
	}
}
