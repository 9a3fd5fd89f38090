// Package ratecontrol implements the RateController (C5): sub-millisecond
// pacing of a dispatch loop against a LoadPattern's target TPS.
package ratecontrol

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/FairForge/loadcore"
)

const (
	// maxSleep bounds any single sleep so the controller periodically
	// re-reads the pattern's target TPS even while far ahead of schedule.
	maxSleep = 1 * time.Second

	// spinThreshold is the sleep duration below which the controller
	// busy-waits with a spin hint instead of parking, since OS scheduler
	// wakeups are not reliably sub-millisecond.
	spinThreshold = 1 * time.Millisecond

	// elapsedCacheWindow amortises monotonic-clock reads across nearby
	// WaitForNext calls.
	elapsedCacheWindow = 10 * time.Millisecond
)

// Controller is the concrete RateController. One Controller paces one
// dispatch loop against one LoadPattern; it is safe for concurrent use by
// multiple dispatching goroutines.
type Controller struct {
	pattern loadcore.LoadPattern
	guard   *rate.Limiter // optional auxiliary burst ceiling

	testStartNs int64

	executionCount atomic.Uint64

	cachedAtNs     atomic.Int64
	cachedElapsed  atomic.Int64
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithBurstGuard attaches an auxiliary golang.org/x/time/rate limiter as a
// hard ceiling on top of the pattern-driven pace, independent of the
// adaptive algorithm. Typically used to cap absolute worst-case load
// regardless of what the pattern requests.
func WithBurstGuard(ratePerSecond float64, burst int) Option {
	return func(c *Controller) {
		c.guard = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// New builds a Controller paced against pattern, with test_start_ns set
// to now.
func New(pattern loadcore.LoadPattern, opts ...Option) *Controller {
	c := &Controller{pattern: pattern, testStartNs: time.Now().UnixNano()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ElapsedMs returns milliseconds since construction, cached for
// elapsedCacheWindow to amortise monotonic-clock reads across calls made
// in quick succession.
func (c *Controller) ElapsedMs() int64 {
	now := time.Now().UnixNano()
	cachedAt := c.cachedAtNs.Load()
	if cachedAt != 0 && now-cachedAt < elapsedCacheWindow.Nanoseconds() {
		return c.cachedElapsed.Load()
	}
	elapsed := (now - c.testStartNs) / int64(time.Millisecond)
	c.cachedAtNs.Store(now)
	c.cachedElapsed.Store(elapsed)
	return elapsed
}

// WaitForNext blocks until the next dispatch slot is due, pacing by
// comparing the monotonic execution count against expected_count =
// floor(target_tps * elapsed_seconds). It returns ctx.Err() if ctx is
// cancelled while waiting.
func (c *Controller) WaitForNext(ctx context.Context) error {
	n := c.executionCount.Add(1)

	for {
		elapsedMs := c.ElapsedMs()
		targetTPS := c.pattern.TPS(elapsedMs)
		if targetTPS <= 0 {
			return c.passThroughGuard(ctx)
		}

		expectedCount := uint64(math.Floor(targetTPS * float64(elapsedMs) / 1000))
		if n <= expectedCount {
			return c.passThroughGuard(ctx)
		}

		targetNs := c.testStartNs + int64(float64(n)*(float64(time.Second)/targetTPS))
		sleepNs := targetNs - time.Now().UnixNano()
		if sleepNs <= 0 {
			return c.passThroughGuard(ctx)
		}

		if remaining := c.remainingNs(elapsedMs); remaining >= 0 && sleepNs > remaining {
			sleepNs = remaining
		}
		if sleepNs <= 0 {
			return c.passThroughGuard(ctx)
		}

		chunk := sleepNs
		if chunk > maxSleep.Nanoseconds() {
			chunk = maxSleep.Nanoseconds()
		}
		if err := c.sleep(ctx, time.Duration(chunk)); err != nil {
			return err
		}
	}
}

// remainingNs returns the nanoseconds left in the pattern's declared
// duration, or -1 when that bound is effectively unbounded and should not
// clamp the sleep.
func (c *Controller) remainingNs(elapsedMs int64) int64 {
	duration := c.pattern.Duration()
	if duration <= 0 {
		return -1
	}
	remaining := duration.Nanoseconds() - elapsedMs*int64(time.Millisecond)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// sleep performs one bounded sleep, choosing between a spin-wait and a
// parked timer based on duration ("adaptive sleep").
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d < spinThreshold {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// passThroughGuard applies the optional auxiliary burst guard, if any,
// after the pattern-driven pacing decision has already allowed the call
// through.
func (c *Controller) passThroughGuard(ctx context.Context) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.Wait(ctx)
}
