package adaptive

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/loadcore"
)

// FeedbackProvider is the read side the controller samples every
// decision cycle. Implementations (see the metrics package) must never
// block for long and must never panic.
type FeedbackProvider interface {
	GetSnapshot(nowMs int64) loadcore.FeedbackSnapshot
}

// Controller is the AdaptiveController (C4): a state machine that
// chooses a target TPS each sampling interval based on feedback, with
// recovery from the minimum and intermediate-stability detection. It
// implements loadcore.LoadPattern so it can be handed straight to a rate
// controller.
type Controller struct {
	cfg      loadcore.AdaptiveConfig
	feedback FeedbackProvider
	logger   *zap.Logger

	state atomic.Pointer[loadcore.AdaptiveState]

	listenersMu sync.Mutex
	listeners   []loadcore.PatternListener

	batchMu      sync.Mutex
	batchAtMs    int64
	batchSnap    loadcore.FeedbackSnapshot
	batchValid   bool
}

// New constructs a Controller. cfg is validated and defaulted exactly
// once; the returned controller owns an independent copy.
func New(cfg loadcore.AdaptiveConfig, feedback FeedbackProvider, logger *zap.Logger, listeners ...loadcore.PatternListener) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("adaptive: invalid config: %w", err)
	}
	if feedback == nil {
		return nil, fmt.Errorf("adaptive: feedback provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		cfg:       cfg,
		feedback:  feedback,
		logger:    logger,
		listeners: append([]loadcore.PatternListener(nil), listeners...),
	}
	initial := initialAdaptiveState(cfg)
	c.state.Store(&initial)
	return c, nil
}

// initialAdaptiveState mirrors loadcore's unexported constructor; kept
// local so the adaptive package does not need an exported helper from
// loadcore for what is purely its own bootstrap state.
func initialAdaptiveState(cfg loadcore.AdaptiveConfig) loadcore.AdaptiveState {
	return loadcore.AdaptiveState{
		Phase:            loadcore.PhaseRampUp,
		CurrentTPS:       cfg.InitialTPS,
		LastAdjustmentMs: -1,
		PhaseStartMs:     -1,
		Recovery:         loadcore.RecoveryState{RecoveryStartMs: -1},
	}
}

// AddListener registers a listener. Safe to call concurrently with TPS();
// the listener slice is copy-on-write.
func (c *Controller) AddListener(l loadcore.PatternListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	next := make([]loadcore.PatternListener, len(c.listeners)+1)
	copy(next, c.listeners)
	next[len(c.listeners)] = l
	c.listeners = next
}

// State returns the current immutable state snapshot. Intended for tests
// and observability; the control loop itself only ever reads via TPS().
func (c *Controller) State() loadcore.AdaptiveState {
	return *c.state.Load()
}

// TPS implements loadcore.LoadPattern. On the first call it stamps
// phase_start_ms and last_adjustment_ms, then runs the decision cycle
// inline whenever elapsed_ms - last_adjustment_ms >= ramp_interval.
func (c *Controller) TPS(elapsedMs int64) float64 {
	for {
		cur := c.state.Load()
		if cur.LastAdjustmentMs < 0 {
			next := *cur
			next.PhaseStartMs = elapsedMs
			next.LastAdjustmentMs = elapsedMs
			if c.state.CompareAndSwap(cur, &next) {
				return next.CurrentTPS
			}
			continue
		}

		intervalMs := c.cfg.RampInterval.Milliseconds()
		if elapsedMs-cur.LastAdjustmentMs < intervalMs {
			return cur.CurrentTPS
		}

		if c.runDecisionCycle(elapsedMs) {
			continue
		}
		return c.state.Load().CurrentTPS
	}
}

// runDecisionCycle performs one compare-and-swap attempt of the decision
// cycle. It returns true if it advanced the state or lost the
// compare-and-swap to another caller (either way the caller should re-read
// and possibly loop), false if another caller already advanced
// last_adjustment_ms past the threshold.
func (c *Controller) runDecisionCycle(elapsedMs int64) bool {
	cur := c.state.Load()
	intervalMs := c.cfg.RampInterval.Milliseconds()
	if elapsedMs-cur.LastAdjustmentMs < intervalMs {
		return false
	}

	snapshot := c.batchedSnapshot(elapsedMs)
	next, recovery := c.decide(*cur, snapshot, elapsedMs)

	if !c.state.CompareAndSwap(cur, &next) {
		return true // lost the race; caller should retry from a fresh read
	}
	if next.Phase != cur.Phase {
		c.logger.Info("adaptive: phase transition",
			zap.String("from", cur.Phase.String()), zap.String("to", next.Phase.String()),
			zap.Float64("tps", next.CurrentTPS))
	}
	if recovery != nil {
		c.logger.Info("adaptive: recovering from minimum",
			zap.Float64("last_known_good_tps", recovery.LastKnownGoodTPS), zap.Float64("recovery_tps", recovery.RecoveryTPS))
	}
	c.notify(*cur, next, elapsedMs, recovery)
	return true
}

// batchedSnapshot caches the feedback snapshot so adjacent calls within
// metrics_batch_interval_ms reuse the last FeedbackSnapshot instead of
// re-sampling.
func (c *Controller) batchedSnapshot(elapsedMs int64) loadcore.FeedbackSnapshot {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	batchMs := c.cfg.MetricsBatchInterval.Milliseconds()
	if c.batchValid && elapsedMs-c.batchAtMs < batchMs {
		return c.batchSnap
	}
	c.batchSnap = c.feedback.GetSnapshot(elapsedMs)
	c.batchAtMs = elapsedMs
	c.batchValid = true
	return c.batchSnap
}

// decide is the pure core of the decision cycle: the per-phase
// transition table plus phase-transition bookkeeping and intermediate-
// stability detection. It never mutates its inputs.
func (c *Controller) decide(cur loadcore.AdaptiveState, s loadcore.FeedbackSnapshot, elapsedMs int64) (loadcore.AdaptiveState, *loadcore.RecoveryEvent) {
	next := cur
	next.LastAdjustmentMs = elapsedMs
	maxTPS := effectiveMax(c.cfg)

	switch cur.Phase {
	case loadcore.PhaseRampUp:
		if ShouldRampDown(s, c.cfg) {
			newTPS := clampTPS(cur.CurrentTPS-c.cfg.RampDecrement, c.cfg)
			lkg := math.Max(cur.Recovery.LastKnownGoodTPS, cur.CurrentTPS)
			next = c.transition(next, loadcore.PhaseRampDown, newTPS, elapsedMs)
			next.Recovery.LastKnownGoodTPS = lkg
			next.Stability = resetStability()
			return next, nil
		}

		if ShouldRampUp(s, c.cfg) {
			next.CurrentTPS = clampTPS(cur.CurrentTPS+c.cfg.RampIncrement, c.cfg)
		} else {
			next.CurrentTPS = cur.CurrentTPS
		}

		if next.CurrentTPS >= maxTPS {
			next = c.transition(next, loadcore.PhaseSustain, maxTPS, elapsedMs)
			next.Stability = &loadcore.StabilityTracking{
				StableTPS: maxTPS, CandidateTPS: maxTPS,
				StableIntervalsCount: c.cfg.StableIntervalsRequired,
			}
			return next, nil
		}

		good := ShouldRampUp(s, c.cfg)
		track := advanceStability(cur.Stability, next.CurrentTPS, good, c.cfg.TPSTolerance)
		if track.StableIntervalsCount >= c.cfg.StableIntervalsRequired {
			stableTPS := next.CurrentTPS
			next = c.transition(next, loadcore.PhaseSustain, stableTPS, elapsedMs)
			track.StableTPS = stableTPS
			next.Stability = track
			return next, nil
		}
		next.Stability = track
		return next, nil

	case loadcore.PhaseRampDown:
		atMin := cur.CurrentTPS <= c.cfg.MinTPS
		if atMin {
			if CanRecoverFromMinimum(s, c.cfg) {
				recoveryTPS := clampTPS(cur.Recovery.LastKnownGoodTPS*c.cfg.RecoveryTPSRatio, c.cfg)
				next = c.transition(next, loadcore.PhaseRampUp, recoveryTPS, elapsedMs)
				next.Recovery.RecoveryStartMs = -1
				next.Stability = resetStability()
				ev := &loadcore.RecoveryEvent{
					LastKnownGoodTPS: cur.Recovery.LastKnownGoodTPS,
					RecoveryTPS:      recoveryTPS,
					AtMs:             elapsedMs,
				}
				return next, ev
			}
			next.CurrentTPS = c.cfg.MinTPS
			next.Recovery.LastKnownGoodTPS = cur.Recovery.LastKnownGoodTPS
			if cur.Recovery.RecoveryStartMs < 0 {
				next.Recovery.RecoveryStartMs = elapsedMs
			}
			next.Stability = resetStability()
			next.RampDownAttempts = cur.RampDownAttempts + 1
			return next, nil
		}

		if ShouldRampDown(s, c.cfg) {
			next.CurrentTPS = clampTPS(cur.CurrentTPS-c.cfg.RampDecrement, c.cfg)
			next.Stability = resetStability()
			next.RampDownAttempts = cur.RampDownAttempts + 1
			return next, nil
		}

		track := advanceStability(cur.Stability, cur.CurrentTPS, ShouldRampUp(s, c.cfg), c.cfg.TPSTolerance)
		if track.StableIntervalsCount >= c.cfg.StableIntervalsRequired {
			stableTPS := cur.CurrentTPS
			next = c.transition(next, loadcore.PhaseSustain, stableTPS, elapsedMs)
			track.StableTPS = stableTPS
			next.Stability = track
			return next, nil
		}
		next.CurrentTPS = cur.CurrentTPS
		next.Stability = track
		return next, nil

	default: // loadcore.PhaseSustain
		if ShouldRampDown(s, c.cfg) {
			newTPS := clampTPS(cur.CurrentTPS-c.cfg.RampDecrement, c.cfg)
			lkg := math.Max(cur.Recovery.LastKnownGoodTPS, cur.CurrentTPS)
			next = c.transition(next, loadcore.PhaseRampDown, newTPS, elapsedMs)
			next.Recovery.LastKnownGoodTPS = lkg
			next.Stability = resetStability()
			return next, nil
		}
		if ShouldRampUp(s, c.cfg) && cur.CurrentTPS < maxTPS {
			next = c.transition(next, loadcore.PhaseRampUp, cur.CurrentTPS, elapsedMs)
			next.Stability = resetStability()
			return next, nil
		}
		next.CurrentTPS = cur.CurrentTPS
		next.Stability = cur.Stability
		return next, nil
	}
}

// transition applies a cross-phase move: stamps phase_start_ms and
// increments phase_transition_count exactly once (invariant I5).
func (c *Controller) transition(next loadcore.AdaptiveState, newPhase loadcore.Phase, newTPS float64, elapsedMs int64) loadcore.AdaptiveState {
	next.Phase = newPhase
	next.CurrentTPS = newTPS
	next.PhaseStartMs = elapsedMs
	next.PhaseTransitionCount++
	return next
}

// advanceStability tracks whether currentTPS has held steady for
// consecutive good intervals, resetting the candidate whenever the
// interval was bad or the TPS drifted outside tolerance.
func advanceStability(track *loadcore.StabilityTracking, currentTPS float64, good bool, tolerance float64) *loadcore.StabilityTracking {
	if !good {
		return resetStability()
	}
	if track == nil || track.CandidateTPS < 0 || !withinTolerance(currentTPS, track.CandidateTPS, tolerance) {
		return &loadcore.StabilityTracking{StableTPS: -1, CandidateTPS: currentTPS, StableIntervalsCount: 0}
	}
	next := *track
	next.StableIntervalsCount++
	return &next
}

func resetStability() *loadcore.StabilityTracking {
	return &loadcore.StabilityTracking{StableTPS: -1, CandidateTPS: -1, StableIntervalsCount: 0}
}

func effectiveMax(cfg loadcore.AdaptiveConfig) float64 {
	if cfg.MaxTPS == 0 {
		return math.Inf(1)
	}
	return cfg.MaxTPS
}

// notify delivers ordered transition notifications to every listener.
// A listener panic or the controller's own bookkeeping must never stop
// the control loop; panics are recovered and logged.
func (c *Controller) notify(prev, next loadcore.AdaptiveState, elapsedMs int64, recovery *loadcore.RecoveryEvent) {
	c.listenersMu.Lock()
	listeners := c.listeners
	c.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}

	phaseChanged := next.Phase != prev.Phase
	tpsChanged := next.CurrentTPS != prev.CurrentTPS
	enteredSustain := phaseChanged && next.Phase == loadcore.PhaseSustain

	for _, l := range listeners {
		c.safeNotifyOne(l, func() {
			if phaseChanged {
				l.OnPhaseTransition(loadcore.PhaseTransitionEvent{
					From: prev.Phase, To: next.Phase, AtMs: elapsedMs,
					TPS: next.CurrentTPS, TransitionNo: next.PhaseTransitionCount,
				})
			}
			if tpsChanged {
				l.OnTPSChange(loadcore.TPSChangeEvent{
					Phase: next.Phase, OldTPS: prev.CurrentTPS, NewTPS: next.CurrentTPS, AtMs: elapsedMs,
				})
			}
			if enteredSustain && next.Stability != nil {
				l.OnStabilityReached(loadcore.StabilityEvent{
					StableTPS: next.Stability.StableTPS, IntervalsHeld: next.Stability.StableIntervalsCount, AtMs: elapsedMs,
				})
			}
			if recovery != nil {
				l.OnRecovery(*recovery)
			}
		})
	}
}

func (c *Controller) safeNotifyOne(l loadcore.PatternListener, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("adaptive: listener panicked", zap.Any("recovered", r))
		}
	}()
	fn()
}

// maxRunDuration is returned by Duration() for patterns with no natural
// end of their own; the engine's Stop() or a run-level timeout bounds
// the actual run.
const maxRunDuration = 365 * 24 * time.Hour

// Duration satisfies loadcore.LoadPattern. The adaptive pattern has no
// natural end of its own (SUSTAIN has no absolute exit on
// sustain_duration); callers bound the run externally via the engine.
func (c *Controller) Duration() time.Duration { return maxRunDuration }

// ShouldRecordMetrics satisfies loadcore.LoadPattern; the adaptive
// pattern has no warmup/cooldown wrapping of its own, so it always
// records.
func (c *Controller) ShouldRecordMetrics(elapsedMs int64) bool { return true }
