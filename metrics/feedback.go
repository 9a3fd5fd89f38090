package metrics

import (
	"sync"
	"time"

	"github.com/FairForge/loadcore"
)

// historyPoint is one retained MetricsSink snapshot, used to compute the
// windowed recent failure rate.
type historyPoint struct {
	atMs int64
	agg  AggregatedMetrics
}

// Provider is the concrete FeedbackProvider (C2): it caches Sink
// snapshots for a batching window and derives a windowed recent failure
// rate from history spaced at least window_seconds apart.
type Provider struct {
	sink         *Sink
	backpressure loadcore.BackpressureProvider

	batchIntervalMs int64
	windowMs        int64

	mu        sync.Mutex
	history   []historyPoint
	cached    loadcore.FeedbackSnapshot
	cachedAtMs int64
	valid     bool
}

// ProviderOption configures a Provider at construction.
type ProviderOption func(*Provider)

// WithBackpressure attaches a BackpressureProvider; without one,
// Backpressure always reports 0.
func WithBackpressure(bp loadcore.BackpressureProvider) ProviderOption {
	return func(p *Provider) { p.backpressure = bp }
}

// WithWindow overrides the default 10s recent-failure-rate window.
func WithWindow(window time.Duration) ProviderOption {
	return func(p *Provider) { p.windowMs = window.Milliseconds() }
}

// NewProvider builds a Provider over sink. batchInterval is the caching
// window from AdaptiveConfig.MetricsBatchInterval; a zero value defaults
// to 100ms.
func NewProvider(sink *Sink, batchInterval time.Duration, opts ...ProviderOption) *Provider {
	if batchInterval <= 0 {
		batchInterval = 100 * time.Millisecond
	}
	p := &Provider{
		sink:            sink,
		batchIntervalMs: batchInterval.Milliseconds(),
		windowMs:        10 * time.Second.Milliseconds(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetSnapshot implements FeedbackProvider. It never throws: a panicking
// BackpressureProvider is recovered and treated as level 0.
func (p *Provider) GetSnapshot(nowMs int64) loadcore.FeedbackSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid && nowMs-p.cachedAtMs < p.batchIntervalMs {
		return p.cached
	}

	agg := p.sink.Snapshot()
	recent := p.recentFailureRate(nowMs, agg)
	bp := p.safeBackpressure()

	snap := loadcore.FeedbackSnapshot{
		FailureRate:       agg.FailureRate / 100,
		RecentFailureRate: recent,
		Backpressure:      bp,
		TotalExecutions:   agg.TotalExecutions,
	}

	p.history = append(p.history, historyPoint{atMs: nowMs, agg: agg})
	p.trimHistory(nowMs)

	p.cached = snap
	p.cachedAtMs = nowMs
	p.valid = true
	return snap
}

// recentFailureRate finds the most recent history point at least
// window_ms old and derives the failure rate of the delta since then.
// Falls back to the overall failure rate when there isn't enough history
// yet.
func (p *Provider) recentFailureRate(nowMs int64, current AggregatedMetrics) float64 {
	var best *historyPoint
	for i := range p.history {
		h := &p.history[i]
		if nowMs-h.atMs < p.windowMs {
			continue
		}
		if best == nil || h.atMs > best.atMs {
			best = h
		}
	}
	if best == nil {
		return current.FailureRate / 100
	}

	recentTotal := current.TotalExecutions - best.agg.TotalExecutions
	if recentTotal == 0 {
		return current.FailureRate / 100
	}
	recentFailures := current.FailureCount - best.agg.FailureCount
	return float64(recentFailures) / float64(recentTotal)
}

// trimHistory drops points more than two windows old, bounding memory use.
// When snapshots are taken further apart than that, this can leave no
// point old enough to bound the window, and recentFailureRate then falls
// back to the overall rate.
func (p *Provider) trimHistory(nowMs int64) {
	cutoff := nowMs - 2*p.windowMs
	i := 0
	for ; i < len(p.history); i++ {
		if p.history[i].atMs >= cutoff {
			break
		}
	}
	if i > 0 {
		p.history = append([]historyPoint(nil), p.history[i:]...)
	}
}

func (p *Provider) safeBackpressure() (level float64) {
	if p.backpressure == nil {
		return 0
	}
	defer func() {
		if recover() != nil {
			level = 0
		}
	}()
	return p.backpressure.Level()
}
