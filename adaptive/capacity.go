package adaptive

import (
	"time"

	"github.com/FairForge/loadcore"
)

// CapacityHint is an advisory, one-shot summary of what a completed run
// learned about the target's capacity. It never feeds back into control-
// loop decisions; it exists purely for a caller to log or report.
type CapacityHint struct {
	PeakSustainedTPS float64
	BreakingPointTPS float64 // 0 if RAMP_DOWN was never entered
	FinalPhase       loadcore.Phase
	PhaseTransitions int
	RampDownAttempts int
	RunDuration      time.Duration
}

// BuildCapacityHint derives a CapacityHint from a controller's final state
// and the run's start and end times in milliseconds (on one common clock):
// a pure read of already-collected numbers, no new sampling.
func BuildCapacityHint(state loadcore.AdaptiveState, runStartMs, nowMs int64) CapacityHint {
	hint := CapacityHint{
		PeakSustainedTPS: state.CurrentTPS,
		FinalPhase:       state.Phase,
		PhaseTransitions: state.PhaseTransitionCount,
		RampDownAttempts: state.RampDownAttempts,
		RunDuration:      time.Duration(nowMs-runStartMs) * time.Millisecond,
	}
	if state.Recovery.LastKnownGoodTPS > 0 {
		hint.BreakingPointTPS = state.Recovery.LastKnownGoodTPS
	}
	if state.Stability != nil && state.Stability.StableTPS > 0 {
		hint.PeakSustainedTPS = state.Stability.StableTPS
	}
	return hint
}
