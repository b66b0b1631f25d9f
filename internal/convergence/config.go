package convergence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// PresetFast ends debates early on moderate agreement.
	PresetFast = "fast"
	// PresetBalanced is the default preset.
	PresetBalanced = "balanced"
	// PresetThorough keeps agents debating until designs are tightly aligned.
	PresetThorough = "thorough"
)

// DefaultPreset is used when no preset is configured.
const DefaultPreset = PresetBalanced

// Config holds every threshold the Detector consults. Presets are just different Config values.
type Config struct {
	SimilarityThresholdEarly float64 `json:"similarityThresholdEarly" toml:"similarity_threshold_early"`
	SimilarityThresholdLate  float64 `json:"similarityThresholdLate" toml:"similarity_threshold_late"`
	LateRoundCutoff          int     `json:"lateRoundCutoff" toml:"late_round_cutoff"`
	StabilityWindow          int     `json:"stabilityWindow" toml:"stability_window"`
	StabilityTolerance       float64 `json:"stabilityTolerance" toml:"stability_tolerance"`
	StabilityFloor           float64 `json:"stabilityFloor" toml:"stability_floor"`
	NearIdenticalThreshold   float64 `json:"nearIdenticalThreshold" toml:"near_identical_threshold"`
	ApproachingThreshold     float64 `json:"approachingThreshold" toml:"approaching_threshold"`
}

var presets = map[string]Config{
	PresetFast: {
		SimilarityThresholdEarly: 0.75,
		SimilarityThresholdLate:  0.65,
		LateRoundCutoff:          3,
		StabilityWindow:          2,
		StabilityTolerance:       0.08,
		StabilityFloor:           0.55,
		NearIdenticalThreshold:   0.90,
		ApproachingThreshold:     0.60,
	},
	PresetBalanced: {
		SimilarityThresholdEarly: 0.85,
		SimilarityThresholdLate:  0.75,
		LateRoundCutoff:          4,
		StabilityWindow:          3,
		StabilityTolerance:       0.05,
		StabilityFloor:           0.60,
		NearIdenticalThreshold:   0.92,
		ApproachingThreshold:     0.70,
	},
	PresetThorough: {
		SimilarityThresholdEarly: 0.90,
		SimilarityThresholdLate:  0.85,
		LateRoundCutoff:          5,
		StabilityWindow:          4,
		StabilityTolerance:       0.03,
		StabilityFloor:           0.75,
		NearIdenticalThreshold:   0.95,
		ApproachingThreshold:     0.80,
	},
}

// DefaultConfig returns the balanced preset.
func DefaultConfig() Config {
	return presets[DefaultPreset]
}

// Preset returns the built-in preset with the given name.
func Preset(name string) (Config, bool) {
	cfg, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return cfg, ok
}

// Presets returns a copy of all built-in presets.
func Presets() map[string]Config {
	out := make(map[string]Config, len(presets))
	for name, cfg := range presets {
		out[name] = cfg
	}
	return out
}

// PresetNames returns built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"similarity_threshold_early", c.SimilarityThresholdEarly},
		{"similarity_threshold_late", c.SimilarityThresholdLate},
		{"stability_floor", c.StabilityFloor},
		{"near_identical_threshold", c.NearIdenticalThreshold},
		{"approaching_threshold", c.ApproachingThreshold},
	} {
		if field.value <= 0 || field.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %.2f", field.name, field.value))
		}
	}
	if c.StabilityTolerance < 0 || c.StabilityTolerance > 1 {
		errs = append(errs, fmt.Errorf("stability_tolerance must be in [0, 1], got %.2f", c.StabilityTolerance))
	}
	if c.LateRoundCutoff < 1 {
		errs = append(errs, fmt.Errorf("late_round_cutoff must be >= 1, got %d", c.LateRoundCutoff))
	}
	if c.StabilityWindow < 0 {
		errs = append(errs, fmt.Errorf("stability_window must be >= 0, got %d", c.StabilityWindow))
	}
	return errors.Join(errs...)
}
