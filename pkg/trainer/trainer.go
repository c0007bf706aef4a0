// Package trainer runs reinforcement learning fine-tuning of a language model:
// it sets up the model, optimizer and schedule, generates and evaluates
// samples, and drives the update loop of a registered Method.
package trainer

import (
	"fmt"
	"maps"
	"os"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/accel"
	"github.com/conneroisu/trlx/pkg/arch"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/dist"
	"github.com/conneroisu/trlx/pkg/nn"
	"github.com/conneroisu/trlx/pkg/rewards"
	"github.com/conneroisu/trlx/pkg/tokenizer"
	"github.com/conneroisu/trlx/pkg/tracker"
)

// Options are the optional collaborators of a Trainer.
type Options struct {
	// RewardFn scores evaluation samples and rollouts.
	RewardFn rewards.RewardFn
	// MetricFn computes extra evaluation metrics.
	MetricFn rewards.MetricFn
	// Tokenizer is used instead of loading model.tokenizer_path.
	Tokenizer *tokenizer.Tokenizer
	// Tracker is used instead of the one named by train.tracker.
	Tracker tracker.Tracker
}

// Trainer owns the model, optimizer and schedule of one process.
type Trainer struct {
	Config    config.TRLConfig
	Method    Method
	Model     Model
	Tokenizer *tokenizer.Tokenizer
	Opt       *nn.AdamW
	Scheduler *nn.CosineAnnealing
	RewardFn  rewards.RewardFn
	MetricFn  rewards.MetricFn
	// IterCount is the number of optimizer steps taken by Learn.
	IterCount int

	acc         *accel.Accelerator
	prompts     data.Loader
	evalPrompts data.Loader
	numFrozen   int
	logger      *log.Logger
}

// New builds the trainer of this process from cfg. The method named by
// cfg.Method.Name must be registered.
func New(cfg config.TRLConfig, group dist.Group, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	acc, err := accel.New(group, cfg.Train.Seed)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		Config:    cfg,
		Tokenizer: opts.Tokenizer,
		RewardFn:  opts.RewardFn,
		MetricFn:  opts.MetricFn,
		acc:       acc,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "trainer"}).
			With("rank", acc.Rank()),
	}

	factory, err := Lookup(cfg.Method.Name)
	if err != nil {
		return nil, err
	}
	if t.Method, err = factory(cfg); err != nil {
		return nil, fmt.Errorf("failed to create method %s: %w", cfg.Method.Name, err)
	}
	if t.Model, err = t.Method.GetArch(cfg); err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	if t.Tokenizer == nil && cfg.Model.TokenizerPath != "" {
		if t.Tokenizer, err = tokenizer.Load(cfg.Model.TokenizerPath); err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
	}
	if t.Tokenizer != nil && t.Tokenizer.VocabSize() != cfg.Model.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens but model.vocab_size is %d",
			t.Tokenizer.VocabSize(), cfg.Model.VocabSize)
	}

	t.numFrozen = nn.FreezeBottom(t.Model.TransformerBlocks(), cfg.Model.NumLayersUnfrozen)
	t.logger.Debug("froze blocks", "frozen", t.numFrozen, "blocks", len(t.Model.TransformerBlocks()))

	if opts.Tracker != nil {
		acc.UseTracker(opts.Tracker)
	} else {
		cfgMap, err := cfg.ToMap()
		if err != nil {
			return nil, err
		}
		err = acc.InitTrackers(cfg.Train.Tracker, tracker.InitOptions{
			Project: cfg.Train.ProjectName,
			Entity:  cfg.Train.EntityName,
			Name:    cfg.Model.ModelPath,
			Config:  cfgMap,
			Mode:    tracker.ModeFromEnv(),
			Dir:     cfg.Train.LogDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start tracker: %w", err)
		}
	}

	betas := [2]float64{cfg.Train.OptBetas[0], cfg.Train.OptBetas[1]}
	t.Opt, err = nn.NewAdamW(t.Model.Parameters(), cfg.Train.LearningRateInit, betas, cfg.Train.OptEps, cfg.Train.WeightDecay)
	if err != nil {
		return nil, err
	}
	t.Scheduler = nn.NewCosineAnnealing(t.Opt, cfg.Train.TotalSteps, cfg.Train.LearningRateTarget)
	if err := acc.Prepare(t.Model.Parameters()); err != nil {
		return nil, err
	}
	t.logger.Info("trainer ready",
		"method", cfg.Method.Name,
		"params", nn.NumValues(t.Model.Parameters()),
		"trainable", nn.NumValues(nn.Trainable(t.Model.Parameters())),
		"device", acc.Device(),
	)
	return t, nil
}

// Accelerator returns the accelerator of this process.
func (t *Trainer) Accelerator() *accel.Accelerator { return t.acc }

// NumFrozenBlocks is the number of blocks frozen at construction.
func (t *Trainer) NumFrozenBlocks() int { return t.numFrozen }

// AddPromptPipeline sets the prompts methods roll out from.
func (t *Trainer) AddPromptPipeline(l data.Loader) { t.prompts = l }

// PromptPipeline returns the training prompts, or nil.
func (t *Trainer) PromptPipeline() data.Loader { return t.prompts }

// AddEvalPipeline sets the prompts Evaluate generates from. The loader must
// yield *data.PromptBatch.
func (t *Trainer) AddEvalPipeline(l data.Loader) { t.evalPrompts = l }

// PadTokenID is the tokenizer's end of sequence id, or 0 without a tokenizer.
func (t *Trainer) PadTokenID() int32 {
	if t.Tokenizer != nil {
		return t.Tokenizer.EOSTokenID()
	}
	return 0
}

// GenerateKwargs returns the method's default generation arguments merged
// with overrides; overrides win.
func (t *Trainer) GenerateKwargs(overrides map[string]any) map[string]any {
	kwargs := map[string]any{}
	if g, ok := t.Method.(GenerateKwargser); ok {
		maps.Copy(kwargs, g.GenerateKwargs())
	}
	maps.Copy(kwargs, overrides)
	return kwargs
}

// Generate samples continuations of inputIDs from the model. attentionMask
// may be nil.
func (t *Trainer) Generate(inputIDs, attentionMask [][]int32, overrides map[string]any) (*arch.GenerateOutput, error) {
	kwargs := t.GenerateKwargs(overrides)
	opts, err := arch.ParseGenerateOptions(kwargs)
	if err != nil {
		return nil, err
	}
	if t.Tokenizer != nil {
		if _, ok := kwargs["eos_token_id"]; !ok {
			opts.EOSTokenID = t.Tokenizer.EOSTokenID()
		}
		if _, ok := kwargs["pad_token_id"]; !ok {
			opts.PadTokenID = t.Tokenizer.EOSTokenID()
		}
	}
	out, err := t.Model.Generate(t.acc.Rand(), inputIDs, attentionMask, opts)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	return out, nil
}

func (t *Trainer) components() map[string]accel.Stateful {
	return map[string]accel.Stateful{
		"model":     nn.ParamSet(t.Model.Parameters()),
		"optimizer": t.Opt,
		"scheduler": t.Scheduler,
	}
}

// Save writes the model, optimizer and schedule to dir, or to
// train.checkpoint_dir when dir is empty. Every rank must call it.
func (t *Trainer) Save(dir string) error {
	if dir == "" {
		dir = t.Config.Train.CheckpointDir
	}
	return t.acc.SaveState(dir, t.components())
}

// Load restores the model, optimizer and schedule saved in dir.
func (t *Trainer) Load(dir string) error {
	if dir == "" {
		dir = t.Config.Train.CheckpointDir
	}
	return t.acc.LoadState(dir, t.components())
}

// Close releases the tracker.
func (t *Trainer) Close() error { return t.acc.EndTraining() }
