package loadcore

import (
	"context"
	"time"
)

// ThreadAffinity hints at the concurrency model a Task wants from the
// worker pool that dispatches it.
type ThreadAffinity int

const (
	// AffinityLightweight implies indefinite concurrency: one cooperative
	// worker per dispatch (e.g. one goroutine).
	AffinityLightweight ThreadAffinity = iota
	// AffinityOSThreadPool implies a fixed-size pool of N workers. N == -1
	// means "use runtime.NumCPU()".
	AffinityOSThreadPool
)

// Task is the unit of work the engine drives at the target rate. init and
// teardown are each called exactly once and are never concurrent with
// execute; execute may be invoked concurrently from many workers and must
// be safe for that.
type Task interface {
	// Init runs once before the first Execute call. A non-nil error aborts
	// the run before any dispatch and Teardown is not called.
	Init(ctx context.Context) error

	// Execute performs one unit of work for the given iteration number. It
	// may be called concurrently. Panics are recovered by the caller and
	// converted into a failure Outcome.
	Execute(ctx context.Context, iteration uint64) Outcome

	// Teardown runs once after the last completed execution, even if some
	// Execute call failed. Errors are logged, never propagated.
	Teardown(ctx context.Context) error

	// Affinity reports the desired worker pool shape. PoolSize is only
	// meaningful when Affinity() == AffinityOSThreadPool.
	Affinity() (affinity ThreadAffinity, poolSize int)
}

// Outcome is the closed result of a single Task.Execute call.
type Outcome struct {
	Success bool
	Cause   error // non-nil only when Success is false
	Data    any   // optional payload, ignored by the core
}

// SuccessOutcome builds a successful Outcome, optionally carrying data.
func SuccessOutcome(data any) Outcome {
	return Outcome{Success: true, Data: data}
}

// FailureOutcome builds a failed Outcome with its cause.
func FailureOutcome(cause error) Outcome {
	return Outcome{Success: false, Cause: cause}
}

// LoadPattern supplies the target-TPS function the rate controller paces
// against. tps(elapsed_ms) must be a pure function of elapsed time except
// insofar as it reflects the pattern's own internal state transitions.
type LoadPattern interface {
	// TPS returns the desired transactions-per-second at the given number
	// of milliseconds since the pattern started. Never negative.
	TPS(elapsedMs int64) float64

	// Duration is the upper bound the engine uses to end the dispatch
	// loop. A pattern with no natural end should return a very large
	// duration and rely on the engine's Stop() instead.
	Duration() time.Duration

	// ShouldRecordMetrics reports whether an execution starting at this
	// elapsed time should be folded into MetricsSink aggregates. Wrappers
	// like warmup/cooldown return false outside steady state. Defaults to
	// true when a pattern does not otherwise distinguish phases.
	ShouldRecordMetrics(elapsedMs int64) bool
}

// ExecutionRecord is the ephemeral record of one completed dispatch,
// handed to a MetricsSink and then discarded.
type ExecutionRecord struct {
	StartNs     int64
	EndNs       int64
	Outcome     Outcome
	Iteration   uint64
	QueueWaitNs int64
}

// Latency returns the wall-clock execution time of the record.
func (r ExecutionRecord) Latency() time.Duration {
	return time.Duration(r.EndNs - r.StartNs)
}
