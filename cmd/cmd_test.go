package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/conneroisu/trlx/pkg/data"
	_ "github.com/conneroisu/trlx/pkg/methods/pg"
	"github.com/conneroisu/trlx/pkg/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	tok := filepath.Join(dir, "tokenizer.bin")
	require.NoError(t, tokenizer.Bytes("<|eos|>").Save(tok))
	prompts := filepath.Join(dir, "prompts.bin")
	require.NoError(t, data.WriteTokenFile(prompts, [][]int32{{1, 2, 3}, {4, 5, 6}, {7, 1, 2}, {3, 4, 5}}))
	cfg := fmt.Sprintf(`
model:
  n_layer: 2
  n_embd: 4
  vocab_size: 257
  tokenizer_path: %s
  num_layers_unfrozen: 1
train:
  seq_length: 12
  batch_size: 2
  epochs: 4
  total_steps: 6
  checkpoint_interval: 3
  eval_interval: 3
  checkpoint_dir: %s
  tracker: jsonl
  log_dir: %s
  prompts_path: %s
  prompt_length: 3
method:
  name: pg
  num_rollouts: 4
  gen_kwargs:
    max_new_tokens: 3
    do_sample: true
`, tok, filepath.Join(dir, "ckpts"), filepath.Join(dir, "runs"), prompts)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestTrainWithoutRewardFails(t *testing.T) {
	path := writeConfig(t, t.TempDir())
	rootCmd.SetArgs([]string{"train", "--config", path})
	assert.Error(t, rootCmd.Execute())
}

func TestTrainAndEvalLocalProcs(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = append(raw, []byte("  reward_pattern: \"x\"\n")...)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	rootCmd.SetArgs([]string{"train", "--config", path, "--local-procs", "2"})
	require.NoError(t, rootCmd.Execute())
	for _, name := range []string{"model.bin", "optimizer.bin", "scheduler.bin"} {
		assert.FileExists(t, filepath.Join(dir, "ckpts", name))
	}
	runs, err := os.ReadDir(filepath.Join(dir, "runs", "trlx"))
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	rootCmd.SetArgs([]string{"eval", "--config", path, "--checkpoint", filepath.Join(dir, "ckpts")})
	require.NoError(t, rootCmd.Execute())
}
