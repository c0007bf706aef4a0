package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  num_layers_unfrozen: 2
train:
  total_steps: 10
  checkpoint_interval: 5
  opt_betas: [0.8, 0.99]
method:
  gen_kwargs:
    top_k: 5
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Model.NumLayersUnfrozen)
	assert.Equal(t, 10, cfg.Train.TotalSteps)
	assert.Equal(t, 5, cfg.Train.CheckpointInterval)
	assert.Equal(t, []float64{0.8, 0.99}, cfg.Train.OptBetas)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Train.EvalInterval, cfg.Train.EvalInterval)
	assert.Equal(t, "pg", cfg.Method.Name)
	assert.Equal(t, 5, cfg.Method.GenKwargs["top_k"])
	assert.Equal(t, 16, cfg.Method.GenKwargs["max_new_tokens"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TRLConfig)
	}{
		{"zero total steps", func(c *TRLConfig) { c.Train.TotalSteps = 0 }},
		{"zero checkpoint interval", func(c *TRLConfig) { c.Train.CheckpointInterval = 0 }},
		{"zero eval interval", func(c *TRLConfig) { c.Train.EvalInterval = 0 }},
		{"one beta", func(c *TRLConfig) { c.Train.OptBetas = []float64{0.9} }},
		{"beta of one", func(c *TRLConfig) { c.Train.OptBetas = []float64{0.9, 1} }},
		{"no method", func(c *TRLConfig) { c.Method.Name = "" }},
		{"no updates", func(c *TRLConfig) { c.Method.NUpdatesPerBatch = 0 }},
		{"bad tracker", func(c *TRLConfig) { c.Train.Tracker = "wandb" }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train:\n  seed: 7\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Train.Seed)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestToMap(t *testing.T) {
	m, err := Default().ToMap()
	require.NoError(t, err)
	train, ok := m["train"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "trlx", train["project_name"])
}
