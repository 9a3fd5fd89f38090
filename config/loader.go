// Package config loads AdaptiveConfig and EngineConfig from a YAML file,
// applies environment-variable overrides, and can watch the file for
// changes with fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/loadcore"
)

// File is the on-disk shape of a loadcore config file: both halves are
// optional so a file may tune just the adaptive algorithm, just the
// engine, or both.
type File struct {
	Adaptive loadcore.AdaptiveConfig `yaml:"adaptive"`
	Engine   loadcore.EngineConfig   `yaml:"engine"`
}

// Load reads path, overlays environment overrides, applies defaults, then
// validates. Returns the first validation error found, with path and
// section named, so a bad config file fails fast.
func Load(path string) (File, error) {
	var f File

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	ApplyEnvOverrides(&f)

	f.Adaptive.ApplyDefaults()
	f.Engine.ApplyDefaults()
	if err := f.Adaptive.Validate(); err != nil {
		return File{}, fmt.Errorf("config: %s: adaptive: %w", path, err)
	}
	if err := f.Engine.Validate(); err != nil {
		return File{}, fmt.Errorf("config: %s: engine: %w", path, err)
	}
	return f, nil
}

// envPrefix starts the name of every environment override for a field of
// File.
const envPrefix = "LOADCORE_"

// ApplyEnvOverrides overlays LOADCORE_*-prefixed environment variables onto
// f. Unset variables leave the existing value untouched; malformed ones
// are ignored rather than crashing the override pass (the subsequent
// Validate call still catches any resulting invalid config).
func ApplyEnvOverrides(f *File) {
	overrideFloat(envPrefix+"INITIAL_TPS", &f.Adaptive.InitialTPS)
	overrideFloat(envPrefix+"RAMP_INCREMENT", &f.Adaptive.RampIncrement)
	overrideFloat(envPrefix+"RAMP_DECREMENT", &f.Adaptive.RampDecrement)
	overrideDuration(envPrefix+"RAMP_INTERVAL", &f.Adaptive.RampInterval)
	overrideFloat(envPrefix+"MAX_TPS", &f.Adaptive.MaxTPS)
	overrideFloat(envPrefix+"MIN_TPS", &f.Adaptive.MinTPS)
	overrideDuration(envPrefix+"SUSTAIN_DURATION", &f.Adaptive.SustainDuration)
	overrideFloat(envPrefix+"ERROR_THRESHOLD", &f.Adaptive.ErrorThreshold)
	overrideFloat(envPrefix+"BP_RAMP_UP_THRESHOLD", &f.Adaptive.BPRampUpThreshold)
	overrideFloat(envPrefix+"BP_RAMP_DOWN_THRESHOLD", &f.Adaptive.BPRampDownThreshold)
	overrideInt(envPrefix+"STABLE_INTERVALS_REQUIRED", &f.Adaptive.StableIntervalsRequired)
	overrideFloat(envPrefix+"TPS_TOLERANCE", &f.Adaptive.TPSTolerance)
	overrideFloat(envPrefix+"RECOVERY_TPS_RATIO", &f.Adaptive.RecoveryTPSRatio)

	overrideDuration(envPrefix+"DRAIN_TIMEOUT", &f.Engine.DrainTimeout)
	overrideDuration(envPrefix+"FORCE_TIMEOUT", &f.Engine.ForceTimeout)
	overrideDuration(envPrefix+"SHUTDOWN_CALLBACK_TIMEOUT", &f.Engine.ShutdownCallbackTimeout)
	overrideInt(envPrefix+"DEFAULT_POOL_SIZE", &f.Engine.DefaultPoolSize)
	if v := os.Getenv(envPrefix + "RUN_ID"); v != "" {
		f.Engine.RunID = v
	}
}

func overrideFloat(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if parsed, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = parsed
	}
}

func overrideInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if parsed, err := strconv.Atoi(v); err == nil {
		*dst = parsed
	}
}

func overrideDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		*dst = parsed
	}
}
