package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgent(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadAgent(filepath.Join(t.TempDir(), "absent.json"))
		require.NoError(t, err)
		assert.Equal(t, DefaultAgentConfig(), cfg)
	})

	t.Run("partial json merges over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent-config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"scopeKeywords": ["spin glass", "annealing"],
			"minNodeConfidence": 0.7
		}`), 0640))

		cfg, err := LoadAgent(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"spin glass", "annealing"}, cfg.ScopeKeywords)
		assert.Equal(t, 0.7, cfg.MinNodeConfidence)
		// Untouched fields keep their defaults.
		assert.Equal(t, DefaultAgentConfig().MaxItemsPerRun, cfg.MaxItemsPerRun)
		assert.True(t, cfg.ScopeFilterEnabled)
	})

	t.Run("yaml by extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent-config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"scopeKeywords:\n  - spin glass\nmaxNodesPerRun: 5\n"), 0640))

		cfg, err := LoadAgent(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"spin glass"}, cfg.ScopeKeywords)
		assert.Equal(t, 5, cfg.MaxNodesPerRun)
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent-config.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0640))

		_, err := LoadAgent(path)
		assert.Error(t, err)
	})

	t.Run("invalid threshold rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent-config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"minNodeConfidence": 1.5}`), 0640))

		_, err := LoadAgent(path)
		assert.Error(t, err)
	})
}

func TestAgentConfig_Validate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultAgentConfig().Validate())
	})

	t.Run("negative caps rejected", func(t *testing.T) {
		cfg := DefaultAgentConfig()
		cfg.MaxItemsPerRun = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("out-of-range similarity threshold rejected", func(t *testing.T) {
		cfg := DefaultAgentConfig()
		cfg.NodeSimilarityThreshold = -0.1
		assert.Error(t, cfg.Validate())
	})
}
