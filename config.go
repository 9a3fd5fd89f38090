package loadcore

import (
	"fmt"
	"math"
	"time"
)

// AdaptiveConfig is immutable once validated at construction; none of its
// fields may change for the lifetime of an AdaptiveController built from
// it. A hot-reload replaces the whole config, never mutates one in place.
type AdaptiveConfig struct {
	InitialTPS   float64       `yaml:"initial_tps"`
	RampIncrement float64      `yaml:"ramp_increment"`
	RampDecrement float64      `yaml:"ramp_decrement"`
	RampInterval  time.Duration `yaml:"ramp_interval"`
	MaxTPS        float64       `yaml:"max_tps"` // may be +Inf
	MinTPS        float64       `yaml:"min_tps"`
	SustainDuration time.Duration `yaml:"sustain_duration"`

	ErrorThreshold      float64 `yaml:"error_threshold"`       // [0,1]
	BPRampUpThreshold   float64 `yaml:"bp_ramp_up_threshold"`  // [0,1]
	BPRampDownThreshold float64 `yaml:"bp_ramp_down_threshold"`// [0,1], > BPRampUpThreshold

	StableIntervalsRequired int     `yaml:"stable_intervals_required"`
	TPSTolerance            float64 `yaml:"tps_tolerance"`
	RecoveryTPSRatio        float64 `yaml:"recovery_tps_ratio"` // [0,1]

	// MetricsBatchInterval governs how long an adjacent TPS() call may
	// reuse the last FeedbackSnapshot instead of re-querying the
	// FeedbackProvider. Defaults to 100ms.
	MetricsBatchInterval time.Duration `yaml:"metrics_batch_interval"`
}

// ApplyDefaults fills in zero-valued optional fields.
func (c *AdaptiveConfig) ApplyDefaults() {
	if c.MaxTPS == 0 {
		c.MaxTPS = math.Inf(1)
	}
	if c.MetricsBatchInterval == 0 {
		c.MetricsBatchInterval = 100 * time.Millisecond
	}
	if c.StableIntervalsRequired == 0 {
		c.StableIntervalsRequired = 1
	}
}

// Validate checks every field against invariants and returns the
// first violation found. It never mutates the receiver.
func (c AdaptiveConfig) Validate() error {
	if c.InitialTPS <= 0 {
		return fmt.Errorf("loadcore: initial_tps must be > 0, got %v", c.InitialTPS)
	}
	if c.RampIncrement <= 0 {
		return fmt.Errorf("loadcore: ramp_increment must be > 0, got %v", c.RampIncrement)
	}
	if c.RampDecrement <= 0 {
		return fmt.Errorf("loadcore: ramp_decrement must be > 0, got %v", c.RampDecrement)
	}
	if c.RampInterval <= 0 {
		return fmt.Errorf("loadcore: ramp_interval must be > 0, got %v", c.RampInterval)
	}
	maxTPS := c.MaxTPS
	if maxTPS == 0 {
		maxTPS = math.Inf(1)
	}
	if maxTPS <= 0 {
		return fmt.Errorf("loadcore: max_tps must be > 0 or unset for +Inf, got %v", c.MaxTPS)
	}
	if c.MinTPS < 0 {
		return fmt.Errorf("loadcore: min_tps must be >= 0, got %v", c.MinTPS)
	}
	if c.MinTPS >= maxTPS {
		return fmt.Errorf("loadcore: min_tps (%v) must be < max_tps (%v)", c.MinTPS, maxTPS)
	}
	if c.SustainDuration <= 0 {
		return fmt.Errorf("loadcore: sustain_duration must be > 0, got %v", c.SustainDuration)
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("loadcore: error_threshold must be in [0,1], got %v", c.ErrorThreshold)
	}
	if c.BPRampUpThreshold < 0 || c.BPRampUpThreshold > 1 {
		return fmt.Errorf("loadcore: bp_ramp_up_threshold must be in [0,1], got %v", c.BPRampUpThreshold)
	}
	if c.BPRampDownThreshold < 0 || c.BPRampDownThreshold > 1 {
		return fmt.Errorf("loadcore: bp_ramp_down_threshold must be in [0,1], got %v", c.BPRampDownThreshold)
	}
	if c.BPRampUpThreshold >= c.BPRampDownThreshold {
		return fmt.Errorf("loadcore: bp_ramp_up_threshold (%v) must be < bp_ramp_down_threshold (%v)",
			c.BPRampUpThreshold, c.BPRampDownThreshold)
	}
	stable := c.StableIntervalsRequired
	if stable == 0 {
		stable = 1
	}
	if stable < 1 {
		return fmt.Errorf("loadcore: stable_intervals_required must be >= 1, got %v", c.StableIntervalsRequired)
	}
	if c.TPSTolerance < 0 {
		return fmt.Errorf("loadcore: tps_tolerance must be >= 0, got %v", c.TPSTolerance)
	}
	if c.RecoveryTPSRatio < 0 || c.RecoveryTPSRatio > 1 {
		return fmt.Errorf("loadcore: recovery_tps_ratio must be in [0,1], got %v", c.RecoveryTPSRatio)
	}
	return nil
}

// EngineConfig configures the execution engine's lifecycle and worker
// pool independent of the adaptive algorithm.
type EngineConfig struct {
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
	ForceTimeout          time.Duration `yaml:"force_timeout"`
	ShutdownCallbackTimeout time.Duration `yaml:"shutdown_callback_timeout"`
	DefaultPoolSize       int           `yaml:"default_pool_size"`
	// ShutdownHookDisabled opts out of the process-wide SIGINT/SIGTERM
	// hook. The zero value (false) keeps the hook enabled by default,
	// with tests opting out; a plain bool can't default true without
	// this inversion.
	ShutdownHookDisabled  bool          `yaml:"shutdown_hook_disabled"`
	RunID                 string        `yaml:"run_id"`
}

// ApplyDefaults fills in zero-valued optional fields, matching 
// defaults (5s drain, 10s force, 5s callback).
func (c *EngineConfig) ApplyDefaults() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.ForceTimeout == 0 {
		c.ForceTimeout = 10 * time.Second
	}
	if c.ShutdownCallbackTimeout == 0 {
		c.ShutdownCallbackTimeout = 5 * time.Second
	}
	if c.DefaultPoolSize == 0 {
		c.DefaultPoolSize = 32
	}
}

// Validate checks EngineConfig invariants.
func (c EngineConfig) Validate() error {
	if c.DrainTimeout < 0 {
		return fmt.Errorf("loadcore: drain_timeout must be >= 0, got %v", c.DrainTimeout)
	}
	if c.ForceTimeout < 0 {
		return fmt.Errorf("loadcore: force_timeout must be >= 0, got %v", c.ForceTimeout)
	}
	if c.ShutdownCallbackTimeout < 0 {
		return fmt.Errorf("loadcore: shutdown_callback_timeout must be >= 0, got %v", c.ShutdownCallbackTimeout)
	}
	return nil
}
