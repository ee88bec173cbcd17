// Package governance enforces editorial and rate-limiting policy on graph
// growth: the publish gate that validates proposed nodes and references, and
// the daily cap checks that bound how fast the agent may grow the graph.
//
// Policy outcomes are layered: warnings (name collisions, approaching caps,
// the advisory hypothesis cap) never block; errors (duplicate reference,
// missing required field, exceeded node cap) block the specific item but
// never the whole batch.
package governance

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the governance policy, loaded once per run from a key-value
// JSON document colocated with the graph file.
type Config struct {
	// MaxDailyNewNodes bounds agent node creation per calendar day.
	// Enforced as a blocking error by the publish gate.
	MaxDailyNewNodes int `json:"maxDailyNewNodes"`

	// MaxDailyNewHypotheses bounds hypothesis creation per day. Advisory:
	// surfaced as a warning, never blocks. The asymmetry with the node cap
	// is asserted by existing behavior and preserved deliberately.
	MaxDailyNewHypotheses int `json:"maxDailyNewHypotheses"`

	// MaxDailyConstraintEdges bounds constraint-edge creation per day.
	MaxDailyConstraintEdges int `json:"maxDailyConstraintEdges"`

	// MaxDailyTrustDelta bounds the total absolute trust movement a single
	// node may accumulate in one day.
	MaxDailyTrustDelta float64 `json:"maxDailyTrustDelta"`

	// RequireDescription makes node descriptions mandatory at the gate.
	RequireDescription bool `json:"requireDescription"`

	// RequireRefTitleYearDoi makes reference year and (DOI or URL)
	// mandatory in addition to title.
	RequireRefTitleYearDoi bool `json:"requireRefTitleYearDoi"`

	// DuplicateRejection makes a detected reference duplicate a blocking
	// error; when false it is reported as a warning instead.
	DuplicateRejection bool `json:"duplicateRejection"`

	// FuzzyDuplicateThreshold is reserved for similarity-based reference
	// matching, in [0,1].
	FuzzyDuplicateThreshold float64 `json:"fuzzyDuplicateThreshold"`
}

// DefaultConfig returns the standard governance policy.
func DefaultConfig() Config {
	return Config{
		MaxDailyNewNodes:        10,
		MaxDailyNewHypotheses:   5,
		MaxDailyConstraintEdges: 10,
		MaxDailyTrustDelta:      2.0,
		RequireDescription:      false,
		RequireRefTitleYearDoi:  true,
		DuplicateRejection:      true,
		FuzzyDuplicateThreshold: 0.85,
	}
}

// Load reads the governance config from path, merging defaults in when the
// file is absent or partially specified.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading governance config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing governance config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the config invariants: all caps >= 0, thresholds in [0,1].
func (c Config) Validate() error {
	if c.MaxDailyNewNodes < 0 {
		return fmt.Errorf("maxDailyNewNodes must be >= 0, got %d", c.MaxDailyNewNodes)
	}
	if c.MaxDailyNewHypotheses < 0 {
		return fmt.Errorf("maxDailyNewHypotheses must be >= 0, got %d", c.MaxDailyNewHypotheses)
	}
	if c.MaxDailyConstraintEdges < 0 {
		return fmt.Errorf("maxDailyConstraintEdges must be >= 0, got %d", c.MaxDailyConstraintEdges)
	}
	if c.MaxDailyTrustDelta < 0 {
		return fmt.Errorf("maxDailyTrustDelta must be >= 0, got %g", c.MaxDailyTrustDelta)
	}
	if c.FuzzyDuplicateThreshold < 0 || c.FuzzyDuplicateThreshold > 1 {
		return fmt.Errorf("fuzzyDuplicateThreshold must be in [0,1], got %g", c.FuzzyDuplicateThreshold)
	}
	return nil
}
