package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/dist"
	"github.com/spf13/cobra"
)

// NewEvalCommand returns a new eval command.
func NewEvalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint",
		Long: `
Evaluate a checkpoint on the eval prompts of a config.

Loads model, optimizer and schedule from the checkpoint directory, generates
from every eval prompt and logs rewards, metrics and samples.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(RootArgs.configPath)
			if err != nil {
				return err
			}
			group, err := dist.FromEnv()
			if err != nil {
				return err
			}
			defer group.Close()

			tr, err := newTrainer(cfg, group)
			if err != nil {
				return err
			}
			defer tr.Close()
			if err := tr.Load(RootArgs.checkpoint); err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			if err := addEvalPipeline(cfg, tr); err != nil {
				return err
			}
			stats, err := tr.Evaluate()
			if err != nil {
				return err
			}
			step := tr.Scheduler.LastEpoch
			if err := tr.Accelerator().Log(stats, step); err != nil {
				return err
			}
			if tr.Accelerator().IsMainProcess() {
				log.Info("evaluated checkpoint", "step", step, "mean_reward", stats["mean_reward"])
			}
			return nil
		},
	}

	cmd.PersistentFlags().
		StringVarP(&RootArgs.checkpoint, "checkpoint", "k", "", "Checkpoint directory (default train.checkpoint_dir)")
	return cmd
}
