package ratecontrol

import (
	"context"
	"testing"
	"time"
)

// constantPattern is a fixed-TPS, fixed-duration LoadPattern fake used to
// exercise the rate controller in isolation from the adaptive algorithm.
type constantPattern struct {
	tps      float64
	duration time.Duration
}

func (p constantPattern) TPS(elapsedMs int64) float64       { return p.tps }
func (p constantPattern) Duration() time.Duration            { return p.duration }
func (p constantPattern) ShouldRecordMetrics(int64) bool      { return true }

func TestController_AchievesTargetTPSWithinTolerance(t *testing.T) {
	pattern := constantPattern{tps: 200, duration: 2 * time.Second}
	c := New(pattern)

	ctx := context.Background()
	start := time.Now()
	const n = 200 // one second's worth at 200 tps

	for i := 0; i < n; i++ {
		if err := c.WaitForNext(ctx); err != nil {
			t.Fatalf("WaitForNext returned error: %v", err)
		}
	}
	elapsed := time.Since(start)

	wantSeconds := float64(n) / pattern.tps
	gotSeconds := elapsed.Seconds()
	tolerance := wantSeconds * 0.05 // generous tolerance for a test environment's scheduler jitter
	if gotSeconds < wantSeconds-tolerance || gotSeconds > wantSeconds+tolerance {
		t.Errorf("expected ~%.3fs to issue %d calls at %.0f tps, got %.3fs", wantSeconds, n, pattern.tps, gotSeconds)
	}
}

func TestController_ZeroTPSReturnsImmediately(t *testing.T) {
	pattern := constantPattern{tps: 0, duration: time.Second}
	c := New(pattern)

	start := time.Now()
	if err := c.WaitForNext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("expected an immediate return for target_tps <= 0")
	}
}

func TestController_ContextCancellationInterruptsWait(t *testing.T) {
	pattern := constantPattern{tps: 5, duration: time.Minute} // spaced 200ms apart: the second call must wait
	c := New(pattern)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.WaitForNext(ctx); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}

	cancel()
	if err := c.WaitForNext(ctx); err == nil {
		t.Error("expected a cancelled context to interrupt a pending wait")
	}
}

func TestController_BurstGuardIsApplied(t *testing.T) {
	pattern := constantPattern{tps: 1_000_000, duration: time.Second} // pattern would allow near-instant calls
	c := New(pattern, WithBurstGuard(5, 1))                           // guard caps it at 5/s with a burst of 1

	ctx := context.Background()
	if err := c.WaitForNext(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	if err := c.WaitForNext(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("expected the burst guard to throttle the second call, took %v", time.Since(start))
	}
}

func TestController_ElapsedMsIsMonotonicAndCached(t *testing.T) {
	c := New(constantPattern{tps: 1, duration: time.Second})
	a := c.ElapsedMs()
	b := c.ElapsedMs()
	if b < a {
		t.Errorf("expected elapsed_ms to be monotonic non-decreasing, got %d then %d", a, b)
	}
}
