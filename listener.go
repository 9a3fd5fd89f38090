package loadcore

// PatternListener is a side-effect sink for phase transitions, TPS
// changes, stability detection and recovery events. Implementations must
// not block the control loop for long; a panicking listener is recovered
// and logged by the caller, never allowed to poison the controller, while
// a slow one delays the decision cycle that notified it.
type PatternListener interface {
	OnPhaseTransition(event PhaseTransitionEvent)
	OnTPSChange(event TPSChangeEvent)
	OnStabilityReached(event StabilityEvent)
	OnRecovery(event RecoveryEvent)
}

// PhaseTransitionEvent is emitted whenever the controller's phase changes.
type PhaseTransitionEvent struct {
	From, To     Phase
	AtMs         int64
	TPS          float64
	TransitionNo int
}

// TPSChangeEvent is emitted whenever current_tps changes, same-phase or
// cross-phase.
type TPSChangeEvent struct {
	Phase    Phase
	OldTPS   float64
	NewTPS   float64
	AtMs     int64
}

// StabilityEvent is emitted whenever the controller enters SUSTAIN, whether
// the intermediate-stability condition was satisfied or max_tps was
// reached.
type StabilityEvent struct {
	StableTPS      float64
	IntervalsHeld  int
	AtMs           int64
}

// RecoveryEvent is emitted when the controller leaves RAMP_DOWN at
// min_tps and re-enters RAMP_UP at a fraction of the last-known-good TPS.
type RecoveryEvent struct {
	LastKnownGoodTPS float64
	RecoveryTPS      float64
	AtMs             int64
}
