package trainer

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/conneroisu/trlx/pkg/arch"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/dist"
	"github.com/conneroisu/trlx/pkg/nn"
	"github.com/conneroisu/trlx/pkg/rewards"
	"github.com/conneroisu/trlx/pkg/tokenizer"
	"github.com/conneroisu/trlx/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Register("fake", func(cfg config.TRLConfig) (Method, error) {
		return &fakeMethod{batches: 10}, nil
	})
}

// fakeMethod counts calls and records the checkpointed step seen after
// every batch.
type fakeMethod struct {
	batches      int
	t            *Trainer
	losses       int
	postBackward int
	postEpoch    int
	ckptSteps    []int
}

func (m *fakeMethod) GetArch(cfg config.TRLConfig) (Model, error) {
	return arch.NewCausalLM(arch.Config{
		VocabSize: cfg.Model.VocabSize,
		MaxSeqLen: cfg.Train.SeqLength,
		NumLayers: cfg.Model.NLayer,
		Channels:  cfg.Model.NEmbd,
	}, uint64(cfg.Train.Seed))
}

func (m *fakeMethod) PrepareLearning(t *Trainer) (*Plan, error) {
	m.t = t
	return &Plan{TrainLoader: &countLoader{n: m.batches}, NUpdatesPerBatch: t.Config.Method.NUpdatesPerBatch}, nil
}

func (m *fakeMethod) Loss(batch any) (*nn.Loss, map[string]float64, error) {
	m.losses++
	params := m.t.Model.Parameters()
	return nn.NewLoss(1, func() {
		for _, p := range nn.Trainable(params) {
			p.Grad[0] += 0.1
		}
	}), map[string]float64{"loss": 1, "batch": float64(batch.(int)), "mean_reward": -1}, nil
}

func (m *fakeMethod) PostBackwardCallback() error {
	m.postBackward++
	m.ckptSteps = append(m.ckptSteps, checkpointStep(m.t.Config.Train.CheckpointDir))
	return nil
}

func (m *fakeMethod) PostEpochCallback() error {
	m.postEpoch++
	return nil
}

func (m *fakeMethod) GenerateKwargs() map[string]any {
	return map[string]any{"max_new_tokens": 2, "do_sample": false}
}

// checkpointStep is the scheduler step stored in dir, or -1.
func checkpointStep(dir string) int {
	f, err := os.Open(filepath.Join(dir, "scheduler.bin"))
	if err != nil {
		return -1
	}
	defer f.Close()
	var s nn.CosineAnnealing
	if err := s.ReadState(f); err != nil {
		return -1
	}
	return s.LastEpoch
}

type countLoader struct {
	n, pos int
}

func (l *countLoader) Reset() { l.pos = 0 }

func (l *countLoader) NextBatch() (any, error) {
	if l.pos >= l.n {
		return nil, io.EOF
	}
	l.pos++
	return l.pos - 1, nil
}

type spyTracker struct {
	mu    sync.Mutex
	steps []int
	stats []map[string]any
}

func (s *spyTracker) Log(stats map[string]any, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	s.stats = append(s.stats, stats)
	return nil
}

func (s *spyTracker) Close() error { return nil }

func testConfig(t *testing.T) config.TRLConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Method.Name = "fake"
	cfg.Model.VocabSize = 8
	cfg.Model.NEmbd = 4
	cfg.Model.NLayer = 2
	cfg.Train.SeqLength = 20
	cfg.Train.Epochs = 1
	cfg.Train.TotalSteps = 10
	cfg.Train.CheckpointInterval = 5
	cfg.Train.EvalInterval = 10
	cfg.Train.CheckpointDir = t.TempDir()
	cfg.Train.Tracker = "none"
	return cfg
}

func evalPipeline(t *testing.T, prompts [][]int32) data.Loader {
	t.Helper()
	p, err := data.NewPromptPipeline(prompts, 2, 0)
	require.NoError(t, err)
	return p
}

var threePrompts = [][]int32{{1, 2}, {3}, {4, 5, 6}}

func TestLearnCadence(t *testing.T) {
	cfg := testConfig(t)
	spy := &spyTracker{}
	evals := 0
	tr, err := New(cfg, dist.Single(), Options{
		Tracker: spy,
		RewardFn: func(s rewards.Samples) ([]float64, error) {
			evals++
			return make([]float64, s.Len()), nil
		},
	})
	require.NoError(t, err)
	tr.AddEvalPipeline(evalPipeline(t, threePrompts))

	results, err := tr.Learn()
	require.NoError(t, err)
	require.NotNil(t, results)
	m := tr.Method.(*fakeMethod)

	assert.Equal(t, 10, tr.IterCount)
	assert.Equal(t, 10, m.losses)
	// checkpoint at step 5, none before; the tenth batch ends the run
	assert.Equal(t, []int{-1, -1, -1, -1, 5, 5, 5, 5, 5}, m.ckptSteps)
	assert.Equal(t, 10, checkpointStep(cfg.Train.CheckpointDir))
	assert.Equal(t, 1, evals)
	assert.Equal(t, []int{10}, spy.steps)
	assert.Contains(t, spy.stats[0], "forward_time")
	assert.Contains(t, spy.stats[0], "backward_time")
	assert.Contains(t, spy.stats[0], "loss")
	assert.Greater(t, spy.stats[0]["grad_norm"], 0.0)
	assert.Contains(t, results, "mean_reward")
	assert.Equal(t, 0, m.postEpoch)
}

func TestLearnLogsEvaluationReward(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.EvalInterval = 5
	spy := &spyTracker{}
	tr, err := New(cfg, dist.Single(), Options{
		Tracker: spy,
		RewardFn: func(s rewards.Samples) ([]float64, error) {
			scores := make([]float64, s.Len())
			for i, row := range s.Tokens {
				scores[i] = float64(len(row))
			}
			return scores, nil
		},
	})
	require.NoError(t, err)
	tr.AddEvalPipeline(evalPipeline(t, threePrompts))

	results, err := tr.Learn()
	require.NoError(t, err)
	require.NotNil(t, results)

	// the loss stats of the fake method carry a mean_reward of -1
	require.Equal(t, []int{5, 10}, spy.steps)
	for _, stats := range spy.stats {
		assert.Equal(t, results["mean_reward"], stats["mean_reward"])
		assert.Greater(t, stats["mean_reward"], 0.0)
		assert.Equal(t, 1.0, stats["loss"])
	}
}

func TestNewRejectsTokenizerVocabMismatch(t *testing.T) {
	cfg := testConfig(t)
	tok := tokenizer.Bytes("<|eos|>")
	_, err := New(cfg, dist.Single(), Options{Tokenizer: tok})
	require.ErrorContains(t, err, "model.vocab_size is 8")

	cfg.Model.VocabSize = tok.VocabSize()
	tr, err := New(cfg, dist.Single(), Options{Tokenizer: tok})
	require.NoError(t, err)
	assert.Equal(t, tok.EOSTokenID(), tr.PadTokenID())
}

func TestLearnIterCount(t *testing.T) {
	tests := []struct {
		name                     string
		epochs, batches, updates int
		total                    int
		wantIter                 int
		wantResults              bool
		wantPostBackward         int
		wantPostEpoch            int
	}{
		{"budget not reached", 2, 3, 2, 100, 12, false, 6, 2},
		{"budget mid batch", 2, 3, 2, 5, 5, true, 2, 0},
		{"budget on epoch end", 2, 3, 1, 3, 3, true, 2, 0},
		{"budget in second epoch", 3, 2, 1, 3, 3, true, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Train.Epochs = tt.epochs
			cfg.Train.TotalSteps = tt.total
			cfg.Train.CheckpointInterval = 1000
			cfg.Train.EvalInterval = 1000
			cfg.Method.NUpdatesPerBatch = tt.updates
			tr, err := New(cfg, dist.Single(), Options{Tracker: tracker.Nop()})
			require.NoError(t, err)
			tr.Method.(*fakeMethod).batches = tt.batches
			tr.AddEvalPipeline(evalPipeline(t, threePrompts))

			results, err := tr.Learn()
			require.NoError(t, err)
			m := tr.Method.(*fakeMethod)
			assert.Equal(t, min(tt.epochs*tt.batches*tt.updates, tt.total), tr.IterCount)
			assert.Equal(t, tt.wantIter, tr.IterCount)
			assert.Equal(t, tt.wantResults, results != nil)
			assert.Equal(t, tt.wantPostBackward, m.postBackward)
			assert.Equal(t, tt.wantPostEpoch, m.postEpoch)
			assert.Equal(t, tt.wantIter, tr.Scheduler.LastEpoch)
			assert.Equal(t, tt.wantIter, tr.Opt.StepCount)
		})
	}
}

func TestLearnFreezesBottomBlocks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.NumLayersUnfrozen = 1
	tr, err := New(cfg, dist.Single(), Options{Tracker: tracker.Nop()})
	require.NoError(t, err)
	tr.AddEvalPipeline(evalPipeline(t, threePrompts))
	assert.Equal(t, 1, tr.NumFrozenBlocks())

	blocks := tr.Model.TransformerBlocks()
	frozen := map[*nn.Param][]float64{}
	for _, p := range blocks[0].Parameters() {
		assert.False(t, p.RequiresGrad())
		frozen[p] = append([]float64(nil), p.Data...)
	}
	trained := blocks[1].Parameters()[0]
	before := append([]float64(nil), trained.Data...)

	_, err = tr.Learn()
	require.NoError(t, err)
	for p, want := range frozen {
		assert.Equal(t, want, p.Data, p.Name)
	}
	assert.NotEqual(t, before, trained.Data)
}

func TestEvaluateSingleProcess(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, dist.Single(), Options{
		Tracker: tracker.Nop(),
		RewardFn: func(s rewards.Samples) ([]float64, error) {
			assert.Nil(t, s.Text)
			return []float64{1, 2, 3}, nil
		},
		MetricFn: func(s rewards.Samples) (map[string][]float64, error) {
			return map[string][]float64{"len": {4, 4, 4}}, nil
		},
	})
	require.NoError(t, err)

	_, err = tr.Evaluate()
	assert.Error(t, err)

	tr.AddEvalPipeline(evalPipeline(t, threePrompts))
	stats, err := tr.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 2.0, stats["mean_reward"])
	assert.Equal(t, 4.0, stats["metrics/len"])
	assert.Contains(t, stats, "generate_time")
	assert.Contains(t, stats, "metric_time")

	table := stats["samples"].(*tracker.Table)
	assert.Equal(t, []string{"samples", "reward", "len"}, table.Columns)
	assert.Len(t, table.Rows, 3)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, table.Column("reward"))
}

func TestEvaluatePadsWithZeroAndSparseOffMain(t *testing.T) {
	groups := dist.NewLocal(2)
	stats := make([]map[string]any, 2)
	samples := make([][][]int32, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func(rank int, g dist.Group) {
			defer wg.Done()
			cfg := testConfig(t)
			tr, err := New(cfg, g, Options{
				Tracker: tracker.Nop(),
				RewardFn: func(s rewards.Samples) ([]float64, error) {
					samples[rank] = s.Tokens
					return []float64{1, 2, 3}, nil
				},
			})
			if err != nil {
				errs[rank] = err
				return
			}
			prompts, err := data.NewPromptPipeline(data.Shard(threePrompts, rank, 2), 2, 0)
			if err != nil {
				errs[rank] = err
				return
			}
			tr.AddEvalPipeline(prompts)
			stats[rank], errs[rank] = tr.Evaluate()
		}(rank, g)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 2.0, stats[0]["mean_reward"])
	assert.Contains(t, stats[0], "samples")
	assert.Contains(t, stats[1], "generate_time")
	assert.NotContains(t, stats[1], "mean_reward")
	assert.NotContains(t, stats[1], "samples")
	assert.Nil(t, samples[1])

	require.Len(t, samples[0], 3)
	// rank 0 holds prompts 0 and 2, rank 1 prompt 1
	wantPrompts := [][]int32{{1, 2}, {4, 5, 6}, {3}}
	for i, row := range samples[0] {
		require.Len(t, row, 20)
		// prompts of a batch are left padded with 0 before generation
		end := 3 + 2
		if i == 2 {
			end = 1 + 2
		}
		assert.Equal(t, wantPrompts[i], row[end-2-len(wantPrompts[i]):end-2])
		for _, tok := range row[end:] {
			assert.Equal(t, int32(0), tok)
		}
	}
}

func TestEvaluateTruncatesOverlongSamples(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, dist.Single(), Options{
		Tracker: tracker.Nop(),
		RewardFn: func(s rewards.Samples) ([]float64, error) {
			for _, row := range s.Tokens {
				assert.Len(t, row, 4)
			}
			return make([]float64, s.Len()), nil
		},
	})
	require.NoError(t, err)
	tr.Method = &kwargsMethod{fakeMethod: tr.Method.(*fakeMethod), kwargs: map[string]any{"max_new_tokens": 6, "max_length": 4}}
	tr.AddEvalPipeline(evalPipeline(t, threePrompts))
	assert.Equal(t, 4, tr.MaxLength())
	_, err = tr.Evaluate()
	require.NoError(t, err)
}

type kwargsMethod struct {
	*fakeMethod
	kwargs map[string]any
}

func (m *kwargsMethod) GenerateKwargs() map[string]any { return m.kwargs }

func TestGenerateKwargsOverridesWin(t *testing.T) {
	tr, err := New(testConfig(t), dist.Single(), Options{Tracker: tracker.Nop()})
	require.NoError(t, err)
	kwargs := tr.GenerateKwargs(map[string]any{"max_new_tokens": 5, "top_k": 2})
	assert.Equal(t, map[string]any{"max_new_tokens": 5, "top_k": 2, "do_sample": false}, kwargs)

	out, err := tr.Generate([][]int32{{1}}, nil, map[string]any{"max_new_tokens": 3})
	require.NoError(t, err)
	assert.Len(t, out.Sequences[0], 4)

	_, err = tr.Generate([][]int32{{1}}, nil, map[string]any{"bogus": 1})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, dist.Single(), Options{Tracker: tracker.Nop()})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for _, p := range tr.Model.Parameters() {
			p.Grad[0] = 1
		}
		tr.Opt.Step()
		tr.Opt.ZeroGrad()
		tr.Scheduler.Step()
	}
	dir := t.TempDir()
	require.NoError(t, tr.Save(dir))
	for _, name := range []string{"model.bin", "optimizer.bin", "scheduler.bin"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	want := append([]float64(nil), tr.Model.(*arch.CausalLM).Memory...)
	lr := tr.Opt.LR
	restored, err := New(cfg, dist.Single(), Options{Tracker: tracker.Nop()})
	require.NoError(t, err)
	require.NoError(t, restored.Load(dir))
	assert.Equal(t, want, restored.Model.(*arch.CausalLM).Memory)
	assert.Equal(t, 3, restored.Scheduler.LastEpoch)
	assert.Equal(t, lr, restored.Opt.LR)
	assert.Equal(t, tr.Scheduler.LR(), restored.Scheduler.LR())
}

func TestRegistry(t *testing.T) {
	_, err := Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Contains(t, Methods(), "fake")
	assert.Panics(t, func() { Register("fake", func(config.TRLConfig) (Method, error) { return nil, nil }) })
	assert.Panics(t, func() { Register("nil", nil) })

	cfg := testConfig(t)
	cfg.Method.Name = "nope"
	_, err = New(cfg, dist.Single(), Options{Tracker: tracker.Nop()})
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
