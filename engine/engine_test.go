package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/loadcore"
	"github.com/FairForge/loadcore/adaptive"
)

type fakeFeedback struct{ snap loadcore.FeedbackSnapshot }

func (f *fakeFeedback) GetSnapshot(nowMs int64) loadcore.FeedbackSnapshot { return f.snap }

type fakeTask struct {
	mu sync.Mutex

	initErr     error
	executeFn   func(ctx context.Context, iteration uint64) loadcore.Outcome
	teardownErr error
	affinity    loadcore.ThreadAffinity
	poolSize    int

	initCalls     int
	teardownCalls int
	executeCount  atomic.Uint64
	maxInFlight   atomic.Int64
	inFlight      atomic.Int64
}

func (f *fakeTask) Init(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	f.mu.Unlock()
	return f.initErr
}

func (f *fakeTask) Execute(ctx context.Context, iteration uint64) loadcore.Outcome {
	f.executeCount.Add(1)
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)
	if f.executeFn != nil {
		return f.executeFn(ctx, iteration)
	}
	return loadcore.SuccessOutcome(nil)
}

func (f *fakeTask) Teardown(ctx context.Context) error {
	f.mu.Lock()
	f.teardownCalls++
	f.mu.Unlock()
	return f.teardownErr
}

func (f *fakeTask) Affinity() (loadcore.ThreadAffinity, int) { return f.affinity, f.poolSize }

type fakePattern struct {
	tps      float64
	duration time.Duration
}

func (p *fakePattern) TPS(elapsedMs int64) float64  { return p.tps }
func (p *fakePattern) Duration() time.Duration       { return p.duration }
func (p *fakePattern) ShouldRecordMetrics(int64) bool { return true }

type fakeRecorder struct {
	mu      sync.Mutex
	records []loadcore.ExecutionRecord
}

func (f *fakeRecorder) Record(r loadcore.ExecutionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}
func (f *fakeRecorder) RecordQueueWait(time.Duration) {}
func (f *fakeRecorder) UpdateQueueSize(int)           {}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func fastShutdownConfig() loadcore.EngineConfig {
	return loadcore.EngineConfig{
		DrainTimeout:            200 * time.Millisecond,
		ForceTimeout:            200 * time.Millisecond,
		ShutdownCallbackTimeout: 100 * time.Millisecond,
		ShutdownHookDisabled:    true,
	}
}

func TestEngine_RunSuccessPath(t *testing.T) {
	task := &fakeTask{}
	pattern := &fakePattern{tps: 200, duration: 100 * time.Millisecond}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if task.initCalls != 1 {
		t.Errorf("expected init to be called exactly once, got %d", task.initCalls)
	}
	if task.teardownCalls != 1 {
		t.Errorf("expected teardown to be called exactly once, got %d", task.teardownCalls)
	}
	if task.executeCount.Load() == 0 {
		t.Error("expected at least one execution")
	}
	if rec.count() == 0 {
		t.Error("expected at least one recorded execution")
	}
	if e.State() != StateStopped {
		t.Errorf("expected final state STOPPED, got %v", e.State())
	}
}

func TestEngine_InitFailureAbortsRun(t *testing.T) {
	wantErr := errors.New("boom")
	task := &fakeTask{initErr: wantErr}
	pattern := &fakePattern{tps: 200, duration: time.Second}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	err = e.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run() to propagate the init failure")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("expected the init error to be wrapped, got %v", err)
	}
	if task.executeCount.Load() != 0 {
		t.Errorf("expected zero executions after an init failure, got %d", task.executeCount.Load())
	}
	if task.teardownCalls != 0 {
		t.Errorf("expected teardown not to be called after an init failure, got %d calls", task.teardownCalls)
	}
}

func TestEngine_GracefulStop(t *testing.T) {
	task := &fakeTask{}
	pattern := &fakePattern{tps: 500, duration: time.Minute}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	e.Stop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("expected a clean shutdown, got error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return within drain_timeout + force_timeout after Stop()")
	}

	if task.teardownCalls != 1 {
		t.Errorf("expected teardown exactly once, got %d", task.teardownCalls)
	}
	if rec.count() == 0 {
		t.Error("expected at least one recorded execution before stop")
	}
}

func TestEngine_PanicIsRecoveredAsFailure(t *testing.T) {
	task := &fakeTask{
		executeFn: func(ctx context.Context, iteration uint64) loadcore.Outcome {
			panic("task exploded")
		},
	}
	pattern := &fakePattern{tps: 200, duration: 50 * time.Millisecond}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.records) == 0 {
		t.Fatal("expected at least one recorded outcome")
	}
	for _, r := range rec.records {
		if r.Outcome.Success {
			t.Fatalf("expected every outcome to be a recovered failure, got %+v", r.Outcome)
		}
	}
}

func TestEngine_ShutdownCallbackTimeoutSurfacesAsError(t *testing.T) {
	task := &fakeTask{}
	pattern := &fakePattern{tps: 200, duration: 20 * time.Millisecond}
	rec := &fakeRecorder{}

	blockForever := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := fastShutdownConfig()
	cfg.ShutdownCallbackTimeout = 30 * time.Millisecond

	e, err := New(task, pattern, rec, WithConfig(cfg), WithShutdownCallback(blockForever))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := e.Run(context.Background()); err == nil {
		t.Error("expected a shutdown callback timeout to surface as an error")
	}
}

func TestEngine_WorkerPoolRespectsFixedSize(t *testing.T) {
	gate := make(chan struct{})
	task := &fakeTask{
		affinity: loadcore.AffinityOSThreadPool,
		poolSize: 2,
		executeFn: func(ctx context.Context, iteration uint64) loadcore.Outcome {
			<-gate
			return loadcore.SuccessOutcome(nil)
		},
	}
	pattern := &fakePattern{tps: 1000, duration: 60 * time.Millisecond}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	go func() {
		time.Sleep(40 * time.Millisecond)
		close(gate)
	}()

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if task.maxInFlight.Load() > 2 {
		t.Errorf("expected at most 2 concurrent executions with a fixed pool of 2, observed %d", task.maxInFlight.Load())
	}
}

func TestEngine_CapacityHintReflectsAdaptivePattern(t *testing.T) {
	cfg := loadcore.AdaptiveConfig{
		InitialTPS: 50, RampIncrement: 10, RampDecrement: 10,
		RampInterval: 5 * time.Millisecond, MaxTPS: 60, MinTPS: 1,
		SustainDuration: time.Second, ErrorThreshold: 0.5,
		BPRampUpThreshold: 0.2, BPRampDownThreshold: 0.8,
	}
	controller, err := adaptive.New(cfg, &fakeFeedback{}, nil)
	if err != nil {
		t.Fatalf("adaptive.New() error: %v", err)
	}

	task := &fakeTask{}
	rec := &fakeRecorder{}
	e, err := New(task, controller, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, ok := e.CapacityHint(); ok {
		t.Error("expected no capacity hint before the run finishes")
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.Stop()
	}()
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	hint, ok := e.CapacityHint()
	if !ok {
		t.Fatal("expected a capacity hint for an adaptive pattern after the run finishes")
	}
	if hint.PeakSustainedTPS <= 0 {
		t.Errorf("expected a positive peak sustained tps, got %v", hint.PeakSustainedTPS)
	}
}

func TestEngine_CapacityHintAbsentForNonAdaptivePattern(t *testing.T) {
	task := &fakeTask{}
	pattern := &fakePattern{tps: 100, duration: 20 * time.Millisecond}
	rec := &fakeRecorder{}

	e, err := New(task, pattern, rec, WithConfig(fastShutdownConfig()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if _, ok := e.CapacityHint(); ok {
		t.Error("expected no capacity hint for a plain fixed-rate pattern")
	}
}

func TestEngine_RejectsNilDependencies(t *testing.T) {
	if _, err := New(nil, &fakePattern{tps: 1, duration: time.Second}, &fakeRecorder{}); err == nil {
		t.Error("expected an error for a nil task")
	}
	if _, err := New(&fakeTask{}, nil, &fakeRecorder{}); err == nil {
		t.Error("expected an error for a nil pattern")
	}
	if _, err := New(&fakeTask{}, &fakePattern{tps: 1, duration: time.Second}, nil); err == nil {
		t.Error("expected an error for a nil recorder")
	}
}
