package loadcore

// FeedbackSnapshot is an immutable, atomically-published view of the
// signals the adaptive controller reacts to. A zero-value snapshot is a
// valid "nothing has happened yet" state.
type FeedbackSnapshot struct {
	FailureRate       float64 // overall ratio in [0,1]
	RecentFailureRate float64 // ratio in [0,1] over a recent rolling window
	Backpressure      float64 // ratio in [0,1]; 0 if no provider
	TotalExecutions   uint64  // monotonically non-decreasing
}

// MetricsProvider is the read side of a MetricsSink that the adaptive
// controller consults through a FeedbackProvider. Implementations must
// never panic; on internal failure they should report zero values.
type MetricsProvider interface {
	// FailureRate returns the overall failure percentage in [0,100].
	FailureRate() float64
	// RecentFailureRate returns the failure percentage in [0,100] over the
	// given trailing window; implementations may fall back to FailureRate
	// when insufficient history exists.
	RecentFailureRate(windowSeconds float64) float64
	// TotalExecutions returns the monotonically non-decreasing count of
	// folded executions.
	TotalExecutions() uint64
	// FailureCount returns the number of failed executions folded so far.
	FailureCount() uint64
}

// BackpressureProvider exposes an externally-sourced saturation signal in
// [0,1], independent of error rate. A nil provider is treated as always 0.
type BackpressureProvider interface {
	Level() float64
}
