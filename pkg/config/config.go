// Package config loads the discovery agent configuration: scope keyword
// lists, classification thresholds, and node-growth tuning.
//
// The agent config is a key-value document colocated with the graph file,
// in JSON or YAML (by file extension). Absent or partially specified files
// are merged over defaults, so a fresh working directory needs no config at
// all.
//
// Example Usage:
//
//	cfg, err := config.LoadAgent("agent-config.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig tunes the discovery pipeline. All thresholds are heuristic
// constants kept overridable rather than hard-coded.
type AgentConfig struct {
	// ScopeKeywords define the research domain; ExcludeKeywords force
	// out-of-scope classification.
	ScopeKeywords   []string `json:"scopeKeywords" yaml:"scopeKeywords"`
	ExcludeKeywords []string `json:"excludeKeywords" yaml:"excludeKeywords"`

	// MinScopeScore is the in-scope-adjacent threshold (core is +2).
	MinScopeScore int `json:"minScopeScore" yaml:"minScopeScore"`

	// ScopeFilterEnabled rejects out-of-scope candidates outright. When
	// disabled they proceed under the weak-scope confidence penalty.
	ScopeFilterEnabled bool `json:"scopeFilterEnabled" yaml:"scopeFilterEnabled"`

	// NodeGrowthEnabled lets accepted candidates propose new graph nodes.
	NodeGrowthEnabled bool `json:"nodeGrowthEnabled" yaml:"nodeGrowthEnabled"`

	// MinNodeConfidence is the auto-growth acceptance threshold in [0,1].
	MinNodeConfidence float64 `json:"minNodeConfidence" yaml:"minNodeConfidence"`

	// MaxNodesPerRun caps node creation per import run.
	MaxNodesPerRun int `json:"maxNodesPerRun" yaml:"maxNodesPerRun"`

	// MaxItemsPerRun caps candidates processed per import run.
	MaxItemsPerRun int `json:"maxItemsPerRun" yaml:"maxItemsPerRun"`

	// MaxLinkedNodes caps how many existing nodes a new reference is
	// attached to.
	MaxLinkedNodes int `json:"maxLinkedNodes" yaml:"maxLinkedNodes"`

	// NodeSimilarityThreshold and AliasOverlapThreshold configure the node
	// duplicate check.
	NodeSimilarityThreshold float64 `json:"nodeSimilarityThreshold" yaml:"nodeSimilarityThreshold"`
	AliasOverlapThreshold   float64 `json:"aliasOverlapThreshold" yaml:"aliasOverlapThreshold"`

	// KeywordCap bounds the derived keyword set of a proposed node.
	KeywordCap int `json:"keywordCap" yaml:"keywordCap"`
}

// DefaultAgentConfig returns the standard tuning.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MinScopeScore:           2,
		ScopeFilterEnabled:      true,
		NodeGrowthEnabled:       true,
		MinNodeConfidence:       0.55,
		MaxNodesPerRun:          3,
		MaxItemsPerRun:          20,
		MaxLinkedNodes:          2,
		NodeSimilarityThreshold: 0.82,
		AliasOverlapThreshold:   0.8,
		KeywordCap:              12,
	}
}

// LoadAgent reads the agent config from path, merging defaults in when the
// file is absent or partially specified. The format is chosen by extension:
// .yaml/.yml parse as YAML, everything else as JSON.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading agent config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing agent config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing agent config: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks threshold and cap invariants.
func (c AgentConfig) Validate() error {
	if c.MinScopeScore < 0 {
		return fmt.Errorf("minScopeScore must be >= 0, got %d", c.MinScopeScore)
	}
	if c.MinNodeConfidence < 0 || c.MinNodeConfidence > 1 {
		return fmt.Errorf("minNodeConfidence must be in [0,1], got %g", c.MinNodeConfidence)
	}
	if c.NodeSimilarityThreshold < 0 || c.NodeSimilarityThreshold > 1 {
		return fmt.Errorf("nodeSimilarityThreshold must be in [0,1], got %g", c.NodeSimilarityThreshold)
	}
	if c.AliasOverlapThreshold < 0 || c.AliasOverlapThreshold > 1 {
		return fmt.Errorf("aliasOverlapThreshold must be in [0,1], got %g", c.AliasOverlapThreshold)
	}
	if c.MaxNodesPerRun < 0 || c.MaxItemsPerRun < 0 || c.MaxLinkedNodes < 0 || c.KeywordCap < 0 {
		return fmt.Errorf("per-run caps must be >= 0")
	}
	return nil
}
