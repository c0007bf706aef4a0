package cmd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/dist"
	"github.com/conneroisu/trlx/pkg/rewards"
	"github.com/conneroisu/trlx/pkg/trainer"
	"github.com/spf13/cobra"
)

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a policy",
		Long: `
Train a policy with the method named in the config.

Runs one process per rank: under a launcher that sets WORLD_SIZE, RANK,
LOCAL_RANK, MASTER_ADDR and MASTER_PORT, or in-process with --local-procs.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(RootArgs.configPath)
			if err != nil {
				return err
			}
			if RootArgs.localProcs > 1 {
				return runLocal(cfg, RootArgs.localProcs)
			}
			group, err := dist.FromEnv()
			if err != nil {
				return err
			}
			defer group.Close()
			return train(cfg, group)
		},
	}

	cmd.PersistentFlags().
		IntVarP(&RootArgs.localProcs, "local-procs", "n", 1, "Number of in-process ranks")
	return cmd
}

// runLocal trains on n in-process ranks.
func runLocal(cfg config.TRLConfig, n int) error {
	groups := dist.NewLocal(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, group := range groups {
		wg.Add(1)
		go func(rank int, group dist.Group) {
			defer wg.Done()
			if err := train(cfg, group); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				// unblock ranks waiting on a collective
				group.Close()
			}
		}(rank, group)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func train(cfg config.TRLConfig, group dist.Group) error {
	tr, err := newTrainer(cfg, group)
	if err != nil {
		return err
	}
	defer tr.Close()

	prompts, err := loadPrompts(cfg.Train.PromptsPath, cfg, tr)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	tr.AddPromptPipeline(prompts)
	if err := addEvalPipeline(cfg, tr); err != nil {
		return err
	}

	results, err := tr.Learn()
	if err != nil {
		return err
	}
	if results == nil {
		log.Warn("training stopped before total_steps", "steps", tr.IterCount)
		return nil
	}
	if tr.Accelerator().IsMainProcess() {
		log.Info("training finished", "steps", tr.IterCount, "mean_reward", results["mean_reward"])
	}
	return nil
}

// newTrainer builds the trainer with the reward and metric functions of cfg.
func newTrainer(cfg config.TRLConfig, group dist.Group) (*trainer.Trainer, error) {
	var opts trainer.Options
	if cfg.Method.RewardPattern != "" {
		fn, err := rewards.Pattern(cfg.Method.RewardPattern)
		if err != nil {
			return nil, err
		}
		opts.RewardFn = fn
	}
	if len(cfg.Method.MetricPatterns) > 0 {
		fn, err := rewards.Metrics(cfg.Method.MetricPatterns)
		if err != nil {
			return nil, err
		}
		opts.MetricFn = fn
	}
	return trainer.New(cfg, group, opts)
}

// loadPrompts reads the prompts at path and keeps this rank's shard.
func loadPrompts(path string, cfg config.TRLConfig, tr *trainer.Trainer) (*data.PromptPipeline, error) {
	var encode func(string) []int32
	if tr.Tokenizer != nil {
		encode = tr.Tokenizer.Encode
	}
	rows, err := data.ReadPrompts(path, cfg.Train.PromptLength, cfg.Train.SeqLength, encode)
	if err != nil {
		return nil, err
	}
	acc := tr.Accelerator()
	return data.NewPromptPipeline(data.Shard(rows, acc.Rank(), acc.WorldSize()), cfg.Train.BatchSize, tr.PadTokenID())
}

// addEvalPipeline adds train.eval_prompts_path, or the training prompts when unset.
func addEvalPipeline(cfg config.TRLConfig, tr *trainer.Trainer) error {
	path := cfg.Train.EvalPromptsPath
	if path == "" {
		path = cfg.Train.PromptsPath
	}
	prompts, err := loadPrompts(path, cfg, tr)
	if err != nil {
		return fmt.Errorf("failed to load eval prompts: %w", err)
	}
	tr.AddEvalPipeline(prompts)
	return nil
}
