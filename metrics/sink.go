// Package metrics implements the MetricsSink (C1) and FeedbackProvider
// (C2) contracts: bounded-memory aggregation of execution outcomes, and a
// caching, batching view over them for the adaptive control loop.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/FairForge/loadcore"
)

// DefaultPercentiles is the percentile set snapshot() reports when a Sink
// is built with no explicit configuration.
var DefaultPercentiles = []float64{0.5, 0.95, 0.99}

// digest wraps a tdigest.TDigest behind a mutex; t-digest updates are
// cheap but not lock-free, so the critical section is kept to the single
// Add or Quantile call ("lock-free or ... only short critical
// sections").
type digest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newDigest() *digest {
	return &digest{td: tdigest.NewWithCompression(100)}
}

func (d *digest) add(v float64) {
	d.mu.Lock()
	d.td.Add(v, 1)
	d.mu.Unlock()
}

func (d *digest) quantile(q float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.td.Count() == 0 {
		return 0
	}
	return d.td.Quantile(q)
}

// AggregatedMetrics is the point-in-time snapshot a Sink produces.
type AggregatedMetrics struct {
	TotalExecutions uint64
	SuccessCount    uint64
	FailureCount    uint64
	FailureRate     float64 // percentage, [0,100]
	SuccessRate     float64 // percentage, [0,100]

	SuccessLatency map[float64]time.Duration
	FailureLatency map[float64]time.Duration
	QueueWait      map[float64]time.Duration

	ResponseTPS float64
	SuccessTPS  float64
}

// Sink is the concrete MetricsSink (C1): safe for any number of
// concurrent Record callers, with a lock-free hot counter path and
// short-critical-section percentile estimators.
type Sink struct {
	percentiles []float64

	totalCount   atomic.Uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64
	queueDepth   atomic.Int64

	successLatency *digest
	failureLatency *digest
	queueWait      *digest

	startNs atomic.Int64

	executionsTotal  *prometheus.CounterVec
	latencySeconds   *prometheus.HistogramVec
	queueWaitSeconds prometheus.Histogram
	inFlightGauge    prometheus.Gauge
}

// SinkOption configures a Sink at construction.
type SinkOption func(*Sink)

// WithPercentiles overrides the default percentile set reported by
// Snapshot().
func WithPercentiles(percentiles ...float64) SinkOption {
	return func(s *Sink) { s.percentiles = percentiles }
}

// NewSink builds a Sink and registers its prometheus collectors against
// the given registerer. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh *prometheus.Registry in tests to avoid collisions
// across parallel test runs.
func NewSink(reg prometheus.Registerer, opts ...SinkOption) *Sink {
	s := &Sink{
		percentiles:    append([]float64(nil), DefaultPercentiles...),
		successLatency: newDigest(),
		failureLatency: newDigest(),
		queueWait:      newDigest(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startNs.Store(time.Now().UnixNano())

	factory := promauto.With(reg)
	s.executionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "loadcore_executions_total",
		Help: "Total number of task executions, by outcome.",
	}, []string{"outcome"})
	s.latencySeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loadcore_execution_latency_seconds",
		Help:    "Task execution latency in seconds, by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	s.queueWaitSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "loadcore_queue_wait_seconds",
		Help:    "Time spent between dispatch submission and run start.",
		Buckets: prometheus.DefBuckets,
	})
	s.inFlightGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "loadcore_in_flight_executions",
		Help: "Current number of in-flight executions.",
	})

	return s
}

// Record folds a completed execution into the aggregates.
func (s *Sink) Record(rec loadcore.ExecutionRecord) {
	s.totalCount.Add(1)
	latency := rec.Latency()
	if rec.Outcome.Success {
		s.successCount.Add(1)
		s.successLatency.add(float64(latency))
		s.executionsTotal.WithLabelValues("success").Inc()
		s.latencySeconds.WithLabelValues("success").Observe(latency.Seconds())
	} else {
		s.failureCount.Add(1)
		s.failureLatency.add(float64(latency))
		s.executionsTotal.WithLabelValues("failure").Inc()
		s.latencySeconds.WithLabelValues("failure").Observe(latency.Seconds())
	}
}

// RecordQueueWait folds a dispatch-to-run-start delay into its own
// histogram, separate from execution latency.
func (s *Sink) RecordQueueWait(wait time.Duration) {
	s.queueWait.add(float64(wait))
	s.queueWaitSeconds.Observe(wait.Seconds())
}

// UpdateQueueSize publishes the current in-flight count as a gauge.
func (s *Sink) UpdateQueueSize(n int) {
	s.queueDepth.Store(int64(n))
	s.inFlightGauge.Set(float64(n))
}

// Snapshot returns a consistent point-in-time AggregatedMetrics view.
// total_executions == success_count + failure_count always holds because
// both are taken from the same monotonic counters before any percentile
// estimator is touched.
func (s *Sink) Snapshot() AggregatedMetrics {
	success := s.successCount.Load()
	failure := s.failureCount.Load()
	total := success + failure

	var failureRate, successRate float64
	if total > 0 {
		failureRate = float64(failure) / float64(total) * 100
		successRate = float64(success) / float64(total) * 100
	}

	elapsed := time.Duration(time.Now().UnixNano() - s.startNs.Load())
	var responseTPS, successTPS float64
	if elapsed > 0 {
		responseTPS = float64(total) / elapsed.Seconds()
		successTPS = float64(success) / elapsed.Seconds()
	}

	return AggregatedMetrics{
		TotalExecutions: total,
		SuccessCount:    success,
		FailureCount:    failure,
		FailureRate:     failureRate,
		SuccessRate:     successRate,
		SuccessLatency:  s.latencyPercentiles(s.successLatency),
		FailureLatency:  s.latencyPercentiles(s.failureLatency),
		QueueWait:       s.latencyPercentiles(s.queueWait),
		ResponseTPS:     responseTPS,
		SuccessTPS:      successTPS,
	}
}

func (s *Sink) latencyPercentiles(d *digest) map[float64]time.Duration {
	out := make(map[float64]time.Duration, len(s.percentiles))
	for _, p := range s.percentiles {
		out[p] = time.Duration(d.quantile(p))
	}
	return out
}

// FailureRate reports the overall failure percentage in [0,100],
// satisfying loadcore.MetricsProvider.
func (s *Sink) FailureRate() float64 {
	success := s.successCount.Load()
	failure := s.failureCount.Load()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total) * 100
}

// TotalExecutions satisfies loadcore.MetricsProvider.
func (s *Sink) TotalExecutions() uint64 { return s.totalCount.Load() }

// FailureCount satisfies loadcore.MetricsProvider.
func (s *Sink) FailureCount() uint64 { return s.failureCount.Load() }

// RecentFailureRate satisfies loadcore.MetricsProvider with the naive
// fallback of the overall rate; it exists so a bare Sink can stand in for
// MetricsProvider in tests and simple callers. Production wiring goes
// through Provider (FeedbackProvider), whose GetSnapshot computes a true
// windowed rate from retained history.
func (s *Sink) RecentFailureRate(windowSeconds float64) float64 { return s.FailureRate() }
