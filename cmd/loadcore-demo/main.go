// Command loadcore-demo wires every loadcore component into a runnable
// process: it is deliberately the only place in this module that imports
// every package, since the core itself stays free of an HTTP listener or
// a CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FairForge/loadcore"
	"github.com/FairForge/loadcore/adaptive"
	"github.com/FairForge/loadcore/config"
	"github.com/FairForge/loadcore/engine"
	"github.com/FairForge/loadcore/metrics"
)

// httpTask drives a single target URL at whatever rate the adaptive
// controller decides, reporting failures for non-2xx responses and
// transport errors alike.
type httpTask struct {
	client *http.Client
	url    string
}

func (t *httpTask) Init(ctx context.Context) error { return nil }

func (t *httpTask) Execute(ctx context.Context, iteration uint64) loadcore.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return loadcore.FailureOutcome(fmt.Errorf("loadcore-demo: building request: %w", err))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return loadcore.FailureOutcome(fmt.Errorf("loadcore-demo: request failed: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return loadcore.FailureOutcome(fmt.Errorf("loadcore-demo: status %d", resp.StatusCode))
	}
	return loadcore.SuccessOutcome(resp.StatusCode)
}

func (t *httpTask) Teardown(ctx context.Context) error { return nil }

func (t *httpTask) Affinity() (loadcore.ThreadAffinity, int) {
	return loadcore.AffinityOSThreadPool, -1
}

// loggingListener prints control-loop events the way an operator watching
// a terminal would want to see them; every method is best-effort and
// never blocks the controller for long.
type loggingListener struct{ logger *zap.Logger }

func (l *loggingListener) OnPhaseTransition(e loadcore.PhaseTransitionEvent) {
	l.logger.Info("phase transition", zap.String("from", e.From.String()), zap.String("to", e.To.String()),
		zap.Float64("tps", e.TPS), zap.Int("transition_no", e.TransitionNo))
}

func (l *loggingListener) OnTPSChange(e loadcore.TPSChangeEvent) {
	l.logger.Info("tps change", zap.String("phase", e.Phase.String()),
		zap.Float64("old_tps", e.OldTPS), zap.Float64("new_tps", e.NewTPS))
}

func (l *loggingListener) OnStabilityReached(e loadcore.StabilityEvent) {
	l.logger.Info("stability reached", zap.Float64("stable_tps", e.StableTPS), zap.Int("intervals_held", e.IntervalsHeld))
}

func (l *loggingListener) OnRecovery(e loadcore.RecoveryEvent) {
	l.logger.Info("recovering from minimum", zap.Float64("last_known_good_tps", e.LastKnownGoodTPS),
		zap.Float64("recovery_tps", e.RecoveryTPS))
}

// randomBackpressure simulates an externally-sourced saturation signal so
// the demo can exercise the RAMP_DOWN backpressure path without a real
// dependent service. A production embedder would source this from queue
// depth, CPU, or a downstream health check instead.
type randomBackpressure struct{ ceiling float64 }

func (r randomBackpressure) Level() float64 { return rand.Float64() * r.ceiling }

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (optional)")
		targetURL   = flag.String("url", "http://localhost:8080/", "URL the load task drives")
		metricsAddr = flag.String("metrics-addr", ":9091", "address for the /metrics and /healthz endpoints")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	adaptiveCfg := loadcore.AdaptiveConfig{
		InitialTPS: 10, RampIncrement: 5, RampDecrement: 10,
		RampInterval: 2 * time.Second, MaxTPS: 500, MinTPS: 1,
		SustainDuration: 30 * time.Second, ErrorThreshold: 0.05,
		BPRampUpThreshold: 0.3, BPRampDownThreshold: 0.7,
		StableIntervalsRequired: 3, TPSTolerance: 0.1, RecoveryTPSRatio: 0.5,
	}
	engineCfg := loadcore.EngineConfig{}

	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal("loading config", zap.Error(err))
		}
		adaptiveCfg, engineCfg = f.Adaptive, f.Engine

		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			logger.Fatal("starting config watcher", zap.Error(err))
		}
		defer watcher.Stop()
		if err := watcher.Start(); err != nil {
			logger.Fatal("starting config watcher", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry)
	feedback := metrics.NewProvider(sink, adaptiveCfg.MetricsBatchInterval, metrics.WithBackpressure(randomBackpressure{ceiling: 0.8}))

	controller, err := adaptive.New(adaptiveCfg, feedback, logger, &loggingListener{logger: logger})
	if err != nil {
		logger.Fatal("constructing adaptive controller", zap.Error(err))
	}

	task := &httpTask{client: &http.Client{Timeout: 10 * time.Second}, url: *targetURL}

	eng, err := engine.New(task, controller, sink,
		engine.WithConfig(engineCfg),
		engine.WithLogger(logger),
		engine.WithShutdownCallback(func(ctx context.Context) error {
			logger.Info("flushing metrics before exit")
			return nil
		}),
	)
	if err != nil {
		logger.Fatal("constructing engine", zap.Error(err))
	}

	metricsServer := metrics.NewServer(*metricsAddr, registry, logger)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		eng.Stop()
	}()

	runErr := eng.Run(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if hint, ok := eng.CapacityHint(); ok {
		logger.Info("capacity hint",
			zap.Float64("peak_sustained_tps", hint.PeakSustainedTPS),
			zap.Float64("breaking_point_tps", hint.BreakingPointTPS),
			zap.String("final_phase", hint.FinalPhase.String()),
			zap.Int("phase_transitions", hint.PhaseTransitions),
			zap.Duration("run_duration", hint.RunDuration))
	}

	if runErr != nil {
		logger.Fatal("run ended with error", zap.Error(runErr))
	}
}
