package trainer

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/nn"
)

// progress reports update steps on the local main process only.
type progress struct {
	enabled bool
	total   int
	logger  *log.Logger
}

func (p *progress) step(iter int, stats map[string]float64) {
	if !p.enabled {
		return
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keyvals := []any{"step", fmt.Sprintf("%d/%d", iter, p.total)}
	for _, k := range keys {
		keyvals = append(keyvals, k, fmt.Sprintf("%.4f", stats[k]))
	}
	p.logger.Info("update", keyvals...)
}

// Learn runs the training loop of the method: epochs over the batches of the
// plan, several updates per batch, checkpoints and evaluations on their
// intervals. Once IterCount reaches the step budget it saves a final
// checkpoint and returns the stats of a final evaluation. If the batches run
// out first, Learn returns nil stats.
func (t *Trainer) Learn() (map[string]any, error) {
	plan, err := t.Method.PrepareLearning(t)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare learning: %w", err)
	}
	if plan == nil || plan.TrainLoader == nil {
		return nil, errors.New("method returned no train loader")
	}
	updates := plan.NUpdatesPerBatch
	if updates <= 0 {
		updates = t.Config.Method.NUpdatesPerBatch
	}
	total := plan.TotalSteps
	if total <= 0 {
		total = t.Config.Train.TotalSteps
	}
	train := t.Config.Train

	t.IterCount = 0
	prog := &progress{enabled: t.acc.IsLocalMainProcess(), total: total, logger: t.logger}

	for epoch := 0; epoch < train.Epochs; epoch++ {
		plan.TrainLoader.Reset()
		for {
			batch, err := plan.TrainLoader.NextBatch()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read batch: %w", err)
			}
			for u := 0; u < updates; u++ {
				forwardStart := time.Now()
				loss, lossStats, err := t.Method.Loss(batch)
				if err != nil {
					return nil, fmt.Errorf("loss failed at step %d: %w", t.IterCount, err)
				}
				forwardTime := time.Since(forwardStart).Seconds()

				backwardStart := time.Now()
				if err := t.acc.Backward(loss); err != nil {
					return nil, fmt.Errorf("backward failed at step %d: %w", t.IterCount, err)
				}
				backwardTime := time.Since(backwardStart).Seconds()
				gradNorm := nn.GradNorm(nn.Trainable(t.Opt.Params()))

				t.Opt.Step()
				t.Opt.ZeroGrad()
				t.Scheduler.Step()
				t.IterCount++
				prog.step(t.IterCount, withGradNorm(lossStats, gradNorm))

				if t.IterCount >= total {
					if err := t.Save(""); err != nil {
						return nil, err
					}
					results, err := t.Evaluate()
					if err != nil {
						return nil, err
					}
					if err := t.logStats(results, withGradNorm(lossStats, gradNorm), forwardTime, backwardTime); err != nil {
						return nil, err
					}
					return results, nil
				}
				if t.IterCount%train.CheckpointInterval == 0 {
					if err := t.Save(""); err != nil {
						return nil, err
					}
				}
				if t.IterCount%train.EvalInterval == 0 {
					results, err := t.Evaluate()
					if err != nil {
						return nil, err
					}
					if err := t.logStats(results, withGradNorm(lossStats, gradNorm), forwardTime, backwardTime); err != nil {
						return nil, err
					}
				}
			}
			if err := t.Method.PostBackwardCallback(); err != nil {
				return nil, fmt.Errorf("post backward callback failed: %w", err)
			}
		}
		if err := t.Method.PostEpochCallback(); err != nil {
			return nil, fmt.Errorf("post epoch callback failed: %w", err)
		}
	}
	t.logger.Warn("batches exhausted before the step budget", "steps", t.IterCount, "total_steps", total)
	return nil, nil
}

func withGradNorm(stats map[string]float64, norm float64) map[string]float64 {
	out := make(map[string]float64, len(stats)+1)
	maps.Copy(out, stats)
	out["grad_norm"] = norm
	return out
}

// logStats records the evaluation results together with the stats of the
// last update. Evaluation keys win over loss stats of the same name.
func (t *Trainer) logStats(results map[string]any, lossStats map[string]float64, forwardTime, backwardTime float64) error {
	stats := make(map[string]any, len(results)+len(lossStats)+3)
	for k, v := range lossStats {
		stats[k] = v
	}
	for k, v := range results {
		stats[k] = v
	}
	stats["forward_time"] = forwardTime
	stats["backward_time"] = backwardTime
	stats["learning_rate"] = t.Scheduler.LR()
	return t.acc.Log(stats, t.IterCount)
}
