// Package pg is a vanilla policy gradient method with a moving average
// reward baseline. Importing it registers the method as "pg".
package pg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/arch"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/nn"
	"github.com/conneroisu/trlx/pkg/rewards"
	"github.com/conneroisu/trlx/pkg/trainer"
	"gonum.org/v1/gonum/stat"
)

// Name is the registry name of the method.
const Name = "pg"

// valueCoef weights the value head regression in the loss.
const valueCoef = 0.5

func init() {
	trainer.Register(Name, New)
}

// Method scores rollouts with the trainer's reward function and pushes up
// the log-probability of responses that beat the baseline.
type Method struct {
	cfg    config.TRLConfig
	model  *arch.CausalLM
	t      *trainer.Trainer
	store  data.Store
	logger *log.Logger

	// Baseline is the moving average of batch mean rewards.
	Baseline    float64
	hasBaseline bool
	batchReward float64
}

// New returns the method for cfg.
func New(cfg config.TRLConfig) (trainer.Method, error) {
	if cfg.Method.NumRollouts <= 0 {
		return nil, fmt.Errorf("method.num_rollouts must be positive, got %d", cfg.Method.NumRollouts)
	}
	if cfg.Method.BaselineDecay < 0 || cfg.Method.BaselineDecay >= 1 {
		return nil, fmt.Errorf("method.baseline_decay must be in [0, 1), got %v", cfg.Method.BaselineDecay)
	}
	return &Method{
		cfg:    cfg,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: Name}),
	}, nil
}

// GetArch builds a CausalLM, loading its parameters from model.model_path
// when set.
func (m *Method) GetArch(cfg config.TRLConfig) (trainer.Model, error) {
	model, err := arch.NewCausalLM(arch.Config{
		VocabSize: cfg.Model.VocabSize,
		MaxSeqLen: cfg.Train.SeqLength,
		NumLayers: cfg.Model.NLayer,
		Channels:  cfg.Model.NEmbd,
	}, uint64(cfg.Train.Seed))
	if err != nil {
		return nil, err
	}
	if cfg.Model.ModelPath != "" {
		f, err := os.Open(cfg.Model.ModelPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := nn.ReadParams(bufio.NewReader(f), model.Parameters()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", cfg.Model.ModelPath, err)
		}
	}
	m.model = model
	return model, nil
}

// GenerateKwargs returns method.gen_kwargs.
func (m *Method) GenerateKwargs() map[string]any {
	return maps.Clone(m.cfg.Method.GenKwargs)
}

// Store returns the rollouts of the current epoch.
func (m *Method) Store() *data.Store { return &m.store }

// PrepareLearning fills the rollout store from the trainer's prompt pipeline.
func (m *Method) PrepareLearning(t *trainer.Trainer) (*trainer.Plan, error) {
	if t.RewardFn == nil {
		return nil, errors.New("pg needs a reward function")
	}
	if t.PromptPipeline() == nil {
		return nil, errors.New("pg needs a prompt pipeline")
	}
	m.t = t
	if err := m.refill(); err != nil {
		return nil, err
	}
	return &trainer.Plan{
		TrainLoader:      m.store.Loader(m.cfg.Train.BatchSize, t.Accelerator().Rand()),
		NUpdatesPerBatch: m.cfg.Method.NUpdatesPerBatch,
		TotalSteps:       m.cfg.Train.TotalSteps,
	}, nil
}

// refill replaces the store with num_rollouts fresh rollouts, continuing
// through the prompt pipeline and wrapping around at its end.
func (m *Method) refill() error {
	m.store.Clear()
	prompts := m.t.PromptPipeline()
	wrapped := false
	for m.store.Len() < m.cfg.Method.NumRollouts {
		b, err := prompts.NextBatch()
		if errors.Is(err, io.EOF) {
			if wrapped {
				return errors.New("prompt pipeline is empty")
			}
			wrapped = true
			prompts.Reset()
			continue
		}
		if err != nil {
			return err
		}
		wrapped = false
		batch, ok := b.(*data.PromptBatch)
		if !ok {
			return fmt.Errorf("prompt pipeline yielded %T, want *data.PromptBatch", b)
		}
		rollouts, err := m.rollout(batch)
		if err != nil {
			return err
		}
		room := m.cfg.Method.NumRollouts - m.store.Len()
		m.store.Push(rollouts[:min(room, len(rollouts))]...)
	}
	m.logger.Debug("filled rollout store", "rollouts", m.store.Len())
	return nil
}

// rollout generates a response per prompt of batch and scores it.
func (m *Method) rollout(batch *data.PromptBatch) ([]data.Rollout, error) {
	out, err := m.t.Generate(batch.InputIDs, batch.AttentionMask, nil)
	if err != nil {
		return nil, err
	}
	rollouts := make([]data.Rollout, len(out.Sequences))
	samples := rewards.Samples{Tokens: make([][]int32, len(out.Sequences))}
	for i, seq := range out.Sequences {
		var tokens []int32
		for j, tok := range batch.InputIDs[i] {
			if batch.AttentionMask[i][j] != 0 {
				tokens = append(tokens, tok)
			}
		}
		promptLen := len(tokens)
		start := out.PromptLengths[i]
		tokens = append(tokens, seq[start:start+len(out.LogProbs[i])]...)
		rollouts[i] = data.Rollout{Tokens: tokens, PromptLen: promptLen}
		samples.Tokens[i] = tokens
	}
	if tok := m.t.Tokenizer; tok != nil {
		if samples.Text, err = tok.BatchDecode(samples.Tokens, true); err != nil {
			return nil, err
		}
	}
	scores, err := m.t.RewardFn(samples)
	if err != nil {
		return nil, fmt.Errorf("reward function failed: %w", err)
	}
	if len(scores) != len(rollouts) {
		return nil, fmt.Errorf("reward function returned %d scores for %d rollouts", len(scores), len(rollouts))
	}
	for i := range rollouts {
		rollouts[i].Reward = scores[i]
	}
	return rollouts, nil
}

// Loss is -(r - baseline) times the mean response log-probability, averaged
// over the rollouts of batch, plus a value head regression onto r.
func (m *Method) Loss(batch any) (*nn.Loss, map[string]float64, error) {
	rollouts, ok := batch.([]data.Rollout)
	if !ok {
		return nil, nil, fmt.Errorf("pg got batch of %T, want []data.Rollout", batch)
	}
	var (
		inputs    []int32
		positions []int
		targets   []int32
		owners    []int
		scored    int
	)
	batchRewards := make([]float64, len(rollouts))
	for k, r := range rollouts {
		batchRewards[k] = r.Reward
		if r.ResponseLen() <= 0 {
			continue
		}
		scored++
		for j := r.PromptLen; j < len(r.Tokens); j++ {
			inputs = append(inputs, r.Tokens[j-1])
			positions = append(positions, j-1)
			targets = append(targets, r.Tokens[j])
			owners = append(owners, k)
		}
	}
	m.batchReward = stat.Mean(batchRewards, nil)
	if !m.hasBaseline {
		m.Baseline = m.batchReward
		m.hasBaseline = true
	}
	stats := map[string]float64{
		"train/mean_reward": m.batchReward,
		"train/baseline":    m.Baseline,
	}
	if scored == 0 {
		stats["loss"], stats["pg_loss"], stats["value_loss"] = 0, 0, 0
		return nn.NewLoss(0, func() {}), stats, nil
	}

	out, err := m.model.LogProbs(inputs, positions, targets)
	if err != nil {
		return nil, nil, err
	}
	dLogProbs := make([]float64, len(inputs))
	dValues := make([]float64, len(inputs))
	var pgLoss, valueLoss float64
	for i, k := range owners {
		r := rollouts[k]
		scale := 1 / (float64(scored) * float64(r.ResponseLen()))
		adv := r.Reward - m.Baseline
		pgLoss -= adv * out.LogProbs[i] * scale
		dLogProbs[i] = -adv * scale
		diff := out.Values[i] - r.Reward
		valueLoss += 0.5 * diff * diff / float64(len(inputs))
		dValues[i] = valueCoef * diff / float64(len(inputs))
	}
	loss := pgLoss + valueCoef*valueLoss
	stats["loss"] = loss
	stats["pg_loss"] = pgLoss
	stats["value_loss"] = valueLoss
	return nn.NewLoss(loss, func() { out.Backward(dLogProbs, dValues) }), stats, nil
}

// PostBackwardCallback moves the baseline toward the last batch's mean reward.
func (m *Method) PostBackwardCallback() error {
	decay := m.cfg.Method.BaselineDecay
	m.Baseline = decay*m.Baseline + (1-decay)*m.batchReward
	return nil
}

// PostEpochCallback rolls out a fresh store with the updated policy.
func (m *Method) PostEpochCallback() error {
	return m.refill()
}
