// Package convergence decides whether two debating agents have reached agreement.
//
// Detector is a pure function of its Config, the current round and the similarity history.
// It holds no mutable state; State carries the append-only history between rounds.
package convergence

import (
	"fmt"
	"math"
)

// Signal is the self-reported convergence state an agent attaches to its turn.
type Signal string

const (
	// SignalIterating means the agent wants another round.
	SignalIterating Signal = "ITERATING"
	// SignalProposingFinal means the agent proposes its design as final.
	SignalProposingFinal Signal = "PROPOSING_FINAL"
	// SignalAcceptingFinal means the agent accepts the other agent's final proposal.
	SignalAcceptingFinal Signal = "ACCEPTING_FINAL"
)

// Signals lists every valid signal in match priority order.
var Signals = []Signal{SignalIterating, SignalProposingFinal, SignalAcceptingFinal}

// Valid reports whether s is one of the three known signals.
func (s Signal) Valid() bool {
	switch s {
	case SignalIterating, SignalProposingFinal, SignalAcceptingFinal:
		return true
	default:
		return false
	}
}

// Status is the detector verdict for one round.
type Status string

const (
	// StatusDebating means the designs are still far apart.
	StatusDebating Status = "DEBATING"
	// StatusConverging means the designs are approaching agreement.
	StatusConverging Status = "CONVERGING"
	// StatusConsensus is terminal: the orchestrator stops the session.
	StatusConsensus Status = "CONSENSUS"
)

// Detector evaluates convergence rules in a fixed order.
type Detector struct {
	cfg Config
}

// NewDetector builds a detector for cfg. Invalid configs are rejected so a bad preset fails at startup.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid convergence config: %w", err)
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	if d == nil {
		return DefaultConfig()
	}
	return d.cfg
}

// Check returns the convergence verdict for one round. history holds the similarity scores of
// the rounds before round; similarity is the score of round itself.
func (d *Detector) Check(round int, similarity float64, a, b Signal, history []float64) (Status, string) {
	cfg := d.Config()
	similarity = clamp(similarity)

	if a == SignalProposingFinal && b == SignalAcceptingFinal {
		return StatusConsensus, "explicit mutual agreement"
	}

	if similarity >= cfg.NearIdenticalThreshold {
		return StatusConsensus, fmt.Sprintf("near-identical designs (%.0f%% similar)", similarity*100)
	}

	if a == SignalProposingFinal {
		threshold := cfg.SimilarityThresholdLate
		if round < cfg.LateRoundCutoff {
			threshold = cfg.SimilarityThresholdEarly
		}
		if similarity >= threshold {
			return StatusConsensus, fmt.Sprintf(
				"final proposal with %.0f%% similarity (threshold %.0f%%)",
				similarity*100,
				threshold*100,
			)
		}
	}

	if stable, average := isStable(cfg, history, similarity); stable {
		return StatusConsensus, fmt.Sprintf(
			"stable for %d rounds (average %.0f%% similarity)",
			cfg.StabilityWindow,
			average*100,
		)
	}

	if similarity >= cfg.ApproachingThreshold {
		return StatusConverging, fmt.Sprintf("designs approaching agreement (%.0f%% similar)", similarity*100)
	}
	if a == SignalProposingFinal {
		return StatusConverging, "final proposal pending agreement"
	}

	return StatusDebating, fmt.Sprintf("designs still diverging (%.0f%% similar)", similarity*100)
}

func isStable(cfg Config, history []float64, current float64) (bool, float64) {
	window := cfg.StabilityWindow
	if window < 2 || len(history)+1 < window {
		return false, 0
	}

	scores := make([]float64, 0, window)
	scores = append(scores, history[len(history)-(window-1):]...)
	scores = append(scores, current)

	low, high, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, score := range scores {
		score = clamp(score)
		low = math.Min(low, score)
		high = math.Max(high, score)
		sum += score
	}
	average := sum / float64(len(scores))

	// Small epsilon keeps tolerances like 0.05 from failing on float rounding.
	if high-low > cfg.StabilityTolerance+1e-9 {
		return false, average
	}
	return average >= cfg.StabilityFloor, average
}

func clamp(value float64) float64 {
	switch {
	case math.IsNaN(value), value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}
