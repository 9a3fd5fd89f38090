// Package engine implements the ExecutionEngine (C6): the full run
// lifecycle, worker pool selection, and graceful two-stage shutdown that
// drives a Task against a LoadPattern at the RateController's pace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FairForge/loadcore"
	"github.com/FairForge/loadcore/adaptive"
	"github.com/FairForge/loadcore/ratecontrol"
)

// State is the engine's coarse lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// dispatchGraceIterations and dispatchGraceMs implement the early-grace
// window of the dispatch loop's pause-forever heuristic:
// patterns that start at tps <= 0 and ramp up are not mistaken for a
// pattern signalling permanent pause.
const (
	dispatchGraceIterations = 10
	dispatchGraceMs         = 100
)

// Recorder is the subset of MetricsSink the engine needs. *metrics.Sink
// satisfies it; tests can supply a fake.
type Recorder interface {
	Record(loadcore.ExecutionRecord)
	RecordQueueWait(time.Duration)
	UpdateQueueSize(int)
}

// ShutdownCallback runs once during shutdown, under its own timeout, in
// an isolated goroutine so a hung callback cannot deadlock the rest of
// shutdown. A typical use is flushing buffered metrics.
type ShutdownCallback func(ctx context.Context) error

// Engine is the concrete ExecutionEngine.
type Engine struct {
	task    loadcore.Task
	pattern loadcore.LoadPattern
	sink    Recorder
	rate    *ratecontrol.Controller
	cfg     loadcore.EngineConfig
	logger  *zap.Logger

	runID            string
	shutdownCallback ShutdownCallback
	rateOpts         []ratecontrol.Option

	state         atomic.Int32
	stopRequested atomic.Bool
	inFlight      atomic.Int64
	executedCount atomic.Uint64
	runStartMs    atomic.Int64
	runEndMs      atomic.Int64

	closed atomic.Bool

	shutdownCallbackFailures prometheus.Counter
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithConfig overrides the default EngineConfig.
func WithConfig(cfg loadcore.EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithLogger injects a *zap.Logger; nil is treated as zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithShutdownCallback registers a callback run once during shutdown,
// bounded by EngineConfig.ShutdownCallbackTimeout.
func WithShutdownCallback(cb ShutdownCallback) Option {
	return func(e *Engine) { e.shutdownCallback = cb }
}

// WithRateOptions forwards options to the underlying ratecontrol.Controller,
// e.g. ratecontrol.WithBurstGuard for an absolute ceiling independent of
// the adaptive algorithm.
func WithRateOptions(opts ...ratecontrol.Option) Option {
	return func(e *Engine) { e.rateOpts = append(e.rateOpts, opts...) }
}

// New builds an Engine from a task, the pattern it paces against, and a
// metrics recorder, applying any Options. The builder surface covers
// task, pattern, metrics collector, optional run-id,
// optional shutdown-hook flag (default true, via EngineConfig), optional
// configuration record.
func New(task loadcore.Task, pattern loadcore.LoadPattern, sink Recorder, opts ...Option) (*Engine, error) {
	if task == nil {
		return nil, fmt.Errorf("engine: task is required")
	}
	if pattern == nil {
		return nil, fmt.Errorf("engine: pattern is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("engine: metrics recorder is required")
	}

	e := &Engine{task: task, pattern: pattern, sink: sink}

	for _, opt := range opts {
		opt(e)
	}

	e.cfg.ApplyDefaults()
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	e.rate = ratecontrol.New(pattern, e.rateOpts...)
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loadcore_shutdown_callback_failures_total",
		Help: "Count of shutdown callback failures or timeouts.",
	})
	if err := prometheus.Register(failures); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			failures = already.ExistingCollector.(prometheus.Counter)
		}
	}
	e.shutdownCallbackFailures = failures

	e.state.Store(int32(StateIdle))
	return e, nil
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// RunID reports this engine's run identifier.
func (e *Engine) RunID() string { return e.runID }

// Stop requests graceful termination. Idempotent; safe to call from any
// goroutine, including a signal handler.
func (e *Engine) Stop() { e.stopRequested.Store(true) }

// Close releases engine-owned resources. Idempotent.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Run executes the full lifecycle described in init, dispatch,
// two-stage graceful shutdown, teardown. It returns a non-nil error when
// called on an engine that is not idle, for a task init failure, or for
// shutdown failures joined together: executions still in flight after
// force_timeout, and a shutdown-callback failure or timeout.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine: Run called while engine is %s", e.State())
	}

	if !e.cfg.ShutdownHookDisabled {
		e.installSignalHook()
	}
	e.logger.Info("engine: run starting", zap.String("run_id", e.runID))

	if err := e.task.Init(ctx); err != nil {
		e.logger.Error("engine: task init failed", zap.String("run_id", e.runID), zap.Error(err))
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("engine: task init failed: %w", err)
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	pool := e.newPool()
	e.dispatch(execCtx, pool)

	e.state.Store(int32(StateStopping))
	e.logger.Info("engine: dispatch ended, draining", zap.String("run_id", e.runID))
	shutdownErrs := e.drain(pool, cancelExec)

	if err := e.task.Teardown(ctx); err != nil {
		e.logger.Error("engine: task teardown failed", zap.Error(err))
	}

	if cbErr := e.runShutdownCallback(ctx); cbErr != nil {
		shutdownErrs = append(shutdownErrs, cbErr)
	}

	e.state.Store(int32(StateStopped))
	e.logger.Info("engine: run stopped", zap.String("run_id", e.runID))
	return errors.Join(shutdownErrs...)
}

// dispatch runs the rate-paced loop, submitting one ExecutionCallable per
// slot to pool, until stop() is requested, the pattern's duration is
// exceeded, or the pause-forever heuristic fires.
func (e *Engine) dispatch(ctx context.Context, pool *workerPool) {
	dispatchStart := time.Now()
	e.runStartMs.Store(dispatchStart.UnixMilli())
	defer func() { e.runEndMs.Store(time.Now().UnixMilli()) }()
	var iterations uint64

	for {
		if e.stopRequested.Load() {
			return
		}
		elapsedMs := time.Since(dispatchStart).Milliseconds()
		if d := e.pattern.Duration(); d > 0 && elapsedMs >= d.Milliseconds() {
			return
		}

		if err := e.rate.WaitForNext(ctx); err != nil {
			return
		}

		elapsedMs = time.Since(dispatchStart).Milliseconds()
		targetTPS := e.pattern.TPS(elapsedMs)
		iterations++
		if iterations >= dispatchGraceIterations && elapsedMs > dispatchGraceMs && targetTPS <= 0 {
			return
		}

		shouldRecord := e.pattern.ShouldRecordMetrics(elapsedMs)
		iteration := e.executedCount.Add(1)

		e.inFlight.Add(1)
		e.sink.UpdateQueueSize(int(e.inFlight.Load()))
		queueStartNs := time.Now().UnixNano()

		pool.submit(func() {
			e.runOne(ctx, iteration, queueStartNs, shouldRecord)
		})
	}
}

// runOne is the ExecutionCallable: one task invocation, timed and
// recorded. Panics from the task are recovered and turned into a failure
// outcome.
func (e *Engine) runOne(ctx context.Context, iteration uint64, queueStartNs int64, shouldRecord bool) {
	runStartNs := time.Now().UnixNano()
	if shouldRecord {
		e.sink.RecordQueueWait(time.Duration(runStartNs - queueStartNs))
	}
	e.inFlight.Add(-1)
	e.sink.UpdateQueueSize(int(e.inFlight.Load()))

	outcome := e.safeExecute(ctx, iteration)
	endNs := time.Now().UnixNano()

	if shouldRecord {
		e.sink.Record(loadcore.ExecutionRecord{
			StartNs: runStartNs, EndNs: endNs, Outcome: outcome,
			Iteration: iteration, QueueWaitNs: runStartNs - queueStartNs,
		})
	}
}

func (e *Engine) safeExecute(ctx context.Context, iteration uint64) (outcome loadcore.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = loadcore.FailureOutcome(fmt.Errorf("engine: task panicked: %v", r))
		}
	}()
	return e.task.Execute(ctx, iteration)
}

// newPool selects the worker pool shape: lightweight
// (unbounded goroutine-per-dispatch) or a fixed pool of N (NumCPU when
// N == -1, engine default when the task declines to specify).
func (e *Engine) newPool() *workerPool {
	affinity, poolSize := e.task.Affinity()
	if affinity == loadcore.AffinityLightweight {
		return newLightweightPool()
	}
	if poolSize == -1 {
		poolSize = runtime.NumCPU()
	}
	if poolSize <= 0 {
		poolSize = e.cfg.DefaultPoolSize
	}
	return newFixedPool(poolSize)
}

// drain implements the two-stage shutdown: stop accepting
// work (already true once dispatch() returns), wait up to drain_timeout,
// then force-cancel and wait up to force_timeout.
func (e *Engine) drain(pool *workerPool, cancelExec context.CancelFunc) []error {
	if pool.wait(e.cfg.DrainTimeout) {
		return nil
	}
	e.logger.Warn("engine: drain_timeout elapsed with executions still in flight, force-cancelling",
		zap.Duration("drain_timeout", e.cfg.DrainTimeout))
	cancelExec()
	if pool.wait(e.cfg.ForceTimeout) {
		return nil
	}
	e.logger.Error("engine: force_timeout elapsed with executions still in flight, proceeding to teardown",
		zap.Duration("force_timeout", e.cfg.ForceTimeout))
	return []error{fmt.Errorf("engine: force_timeout elapsed with executions still in flight")}
}

// runShutdownCallback runs the optional shutdown callback in an isolated
// goroutine under its own timeout, so a hung callback cannot deadlock the
// rest of shutdown.
func (e *Engine) runShutdownCallback(ctx context.Context) error {
	if e.shutdownCallback == nil {
		return nil
	}

	cbCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownCallbackTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("engine: shutdown callback panicked: %v", r)
			}
		}()
		errCh <- e.shutdownCallback(cbCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			e.shutdownCallbackFailures.Inc()
			return fmt.Errorf("engine: shutdown callback failed: %w", err)
		}
		return nil
	case <-cbCtx.Done():
		e.shutdownCallbackFailures.Inc()
		e.logger.Warn("engine: shutdown callback timed out",
			zap.Duration("timeout", e.cfg.ShutdownCallbackTimeout))
		return fmt.Errorf("engine: shutdown callback timed out after %s", e.cfg.ShutdownCallbackTimeout)
	}
}

// CapacityHint returns an advisory summary of what this run observed about
// the target's capacity, derived from the pattern's final adaptive state.
// It reports ok=false when the pattern has no State() loadcore.AdaptiveState
// method (e.g. a fixed-rate pattern) or the run hasn't finished dispatching
// yet.
func (e *Engine) CapacityHint() (hint adaptive.CapacityHint, ok bool) {
	controller, isAdaptive := e.pattern.(interface {
		State() loadcore.AdaptiveState
	})
	if !isAdaptive {
		return adaptive.CapacityHint{}, false
	}
	startMs, endMs := e.runStartMs.Load(), e.runEndMs.Load()
	if endMs == 0 {
		return adaptive.CapacityHint{}, false
	}
	return adaptive.BuildCapacityHint(controller.State(), startMs, endMs), true
}

// installSignalHook wires a process-wide SIGINT/SIGTERM into Stop(). Opt
// out via EngineConfig.ShutdownHookDisabled = true (tests should).
func (e *Engine) installSignalHook() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		e.logger.Info("engine: received termination signal, stopping")
		e.Stop()
	}()
}
