// Package adaptive implements the adaptive pattern state machine: the
// pure DecisionPolicy (C3) and the AdaptiveController (C4) state machine
// built on top of it.
package adaptive

import (
	"math"

	"github.com/FairForge/loadcore"
)

// ShouldRampDown implements failure_rate at or above threshold,
// or backpressure at or above the ramp-down band.
func ShouldRampDown(s loadcore.FeedbackSnapshot, cfg loadcore.AdaptiveConfig) bool {
	return s.FailureRate >= cfg.ErrorThreshold || s.Backpressure >= cfg.BPRampDownThreshold
}

// ShouldRampUp implements failure_rate below threshold and
// backpressure below the ramp-up band. When neither ShouldRampUp nor
// ShouldRampDown holds (the backpressure "hold" band), the controller
// must hold current_tps — callers are responsible for that, not this
// function.
func ShouldRampUp(s loadcore.FeedbackSnapshot, cfg loadcore.AdaptiveConfig) bool {
	return s.FailureRate < cfg.ErrorThreshold && s.Backpressure < cfg.BPRampUpThreshold
}

// ShouldSustain implements conditions are good for ramping up
// and the stability tracker has held long enough.
func ShouldSustain(s loadcore.FeedbackSnapshot, cfg loadcore.AdaptiveConfig, tracking *loadcore.StabilityTracking) bool {
	if tracking == nil {
		return false
	}
	return ShouldRampUp(s, cfg) && tracking.StableIntervalsCount >= cfg.StableIntervalsRequired
}

// CanRecoverFromMinimum implements recovery prefers the
// recent-window failure rate over the overall rate when deciding whether
// it is safe to leave the minimum TPS.
func CanRecoverFromMinimum(s loadcore.FeedbackSnapshot, cfg loadcore.AdaptiveConfig) bool {
	recovery := s
	recovery.FailureRate = s.RecentFailureRate
	return ShouldRampUp(recovery, cfg)
}

// clampTPS enforces invariant I1: min_tps <= tps <= max_tps.
func clampTPS(tps float64, cfg loadcore.AdaptiveConfig) float64 {
	maxTPS := cfg.MaxTPS
	if maxTPS == 0 {
		maxTPS = math.Inf(1)
	}
	if tps < cfg.MinTPS {
		return cfg.MinTPS
	}
	if tps > maxTPS {
		return maxTPS
	}
	return tps
}

// withinTolerance reports whether a and b are close enough to be
// considered the same TPS for stability-candidate purposes.
func withinTolerance(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
