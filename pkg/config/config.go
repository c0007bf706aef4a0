// Package config contains the configuration of a trlx training run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TRLConfig is the configuration of a training run.
//
// It is read-only after Load; it is passed by value everywhere.
type TRLConfig struct {
	// Model configures the policy model and tokenizer.
	Model ModelConfig `yaml:"model"`
	// Train configures the training loop.
	Train TrainConfig `yaml:"train"`
	// Method configures the RL method.
	Method MethodConfig `yaml:"method"`
}

// ModelConfig is the model section of a TRLConfig.
type ModelConfig struct {
	// ModelPath is a model.bin parameter file to start from. Empty starts from random weights.
	ModelPath string `yaml:"model_path"`
	// TokenizerPath is the tokenizer file. Empty means samples stay token ids.
	TokenizerPath string `yaml:"tokenizer_path"`
	// NumLayersUnfrozen is the number of top blocks that keep gradients.
	// 0 freezes every block, negative values freeze none.
	NumLayersUnfrozen int `yaml:"num_layers_unfrozen"`
	// NLayer is the number of blocks of the reference model.
	NLayer int `yaml:"n_layer"`
	// NEmbd is the embedding width of the reference model.
	NEmbd int `yaml:"n_embd"`
	// VocabSize is the vocabulary size of the reference model.
	VocabSize int `yaml:"vocab_size"`
}

// TrainConfig is the train section of a TRLConfig.
type TrainConfig struct {
	Seed               int64     `yaml:"seed"`
	SeqLength          int       `yaml:"seq_length"`
	BatchSize          int       `yaml:"batch_size"`
	Epochs             int       `yaml:"epochs"`
	TotalSteps         int       `yaml:"total_steps"`
	LearningRateInit   float64   `yaml:"learning_rate_init"`
	LearningRateTarget float64   `yaml:"learning_rate_target"`
	OptBetas           []float64 `yaml:"opt_betas"`
	OptEps             float64   `yaml:"opt_eps"`
	WeightDecay        float64   `yaml:"weight_decay"`
	CheckpointInterval int       `yaml:"checkpoint_interval"`
	EvalInterval       int       `yaml:"eval_interval"`
	CheckpointDir      string    `yaml:"checkpoint_dir"`
	ProjectName        string    `yaml:"project_name"`
	EntityName         string    `yaml:"entity_name"`
	// Tracker selects the logging sink: "console", "jsonl" or "none".
	Tracker string `yaml:"tracker"`
	// LogDir is where the jsonl tracker writes its run files.
	LogDir string `yaml:"log_dir"`
	// PromptsPath is a binary token file of training prompts, or a .txt file
	// with one prompt per line.
	PromptsPath string `yaml:"prompts_path"`
	// EvalPromptsPath holds the held-out prompts in the same formats.
	// Empty evaluates on the training prompts.
	EvalPromptsPath string `yaml:"eval_prompts_path"`
	// PromptLength is the number of tokens per prompt read from token files.
	PromptLength int `yaml:"prompt_length"`
}

// MethodConfig is the method section of a TRLConfig.
type MethodConfig struct {
	// Name selects a registered method.
	Name             string `yaml:"name"`
	NUpdatesPerBatch int    `yaml:"n_updates_per_batch"`
	// NumRollouts is the number of rollouts collected per store refill.
	NumRollouts   int     `yaml:"num_rollouts"`
	BaselineDecay float64 `yaml:"baseline_decay"`
	// GenKwargs are the default generation parameters.
	GenKwargs map[string]any `yaml:"gen_kwargs"`
	// RewardPattern is a regular expression whose match count is the reward.
	RewardPattern string `yaml:"reward_pattern"`
	// MetricPatterns maps metric names to regular expressions.
	MetricPatterns map[string]string `yaml:"metric_patterns"`
}

// Default returns the default configuration.
func Default() TRLConfig {
	return TRLConfig{
		Model: ModelConfig{
			NumLayersUnfrozen: -1,
			NLayer:            2,
			NEmbd:             32,
			VocabSize:         256,
		},
		Train: TrainConfig{
			Seed:               1000,
			SeqLength:          32,
			BatchSize:          8,
			Epochs:             10,
			TotalSteps:         100,
			LearningRateInit:   1e-3,
			LearningRateTarget: 1e-4,
			OptBetas:           []float64{0.9, 0.95},
			OptEps:             1e-8,
			CheckpointInterval: 50,
			EvalInterval:       10,
			CheckpointDir:      "ckpts",
			ProjectName:        "trlx",
			Tracker:            "console",
			LogDir:             "runs",
			PromptLength:       4,
		},
		Method: MethodConfig{
			Name:             "pg",
			NUpdatesPerBatch: 1,
			NumRollouts:      32,
			BaselineDecay:    0.9,
			GenKwargs: map[string]any{
				"max_new_tokens": 16,
				"do_sample":      true,
				"temperature":    1.0,
			},
		},
	}
}

// Parse decodes a YAML document on top of the defaults and validates the result.
func Parse(raw []byte) (TRLConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return TRLConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return TRLConfig{}, err
	}
	return cfg, nil
}

// Load reads and parses the YAML config file at path.
func Load(path string) (TRLConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TRLConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Validate checks the config for values the training loop cannot run with.
func (c TRLConfig) Validate() error {
	if c.Train.TotalSteps <= 0 {
		return fmt.Errorf("train.total_steps must be positive")
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("train.epochs must be positive")
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be positive")
	}
	if c.Train.SeqLength <= 0 {
		return fmt.Errorf("train.seq_length must be positive")
	}
	if c.Train.CheckpointInterval <= 0 {
		return fmt.Errorf("train.checkpoint_interval must be positive")
	}
	if c.Train.EvalInterval <= 0 {
		return fmt.Errorf("train.eval_interval must be positive")
	}
	if len(c.Train.OptBetas) != 2 {
		return fmt.Errorf("train.opt_betas must have two values, got %d", len(c.Train.OptBetas))
	}
	for _, b := range c.Train.OptBetas {
		if b < 0 || b >= 1 {
			return fmt.Errorf("train.opt_betas must be in [0, 1), got %v", b)
		}
	}
	if c.Train.LearningRateInit <= 0 {
		return fmt.Errorf("train.learning_rate_init must be positive")
	}
	if c.Method.Name == "" {
		return fmt.Errorf("method.name is required")
	}
	if c.Method.NUpdatesPerBatch <= 0 {
		return fmt.Errorf("method.n_updates_per_batch must be positive")
	}
	switch c.Train.Tracker {
	case "console", "jsonl", "none":
	default:
		return fmt.Errorf("unknown tracker %q", c.Train.Tracker)
	}
	return nil
}

// ToMap flattens the config into the nested map logged with a run.
func (c TRLConfig) ToMap() (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
