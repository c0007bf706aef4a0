package trainer

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/conneroisu/trlx/pkg/arch"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/rewards"
	"github.com/conneroisu/trlx/pkg/tracker"
	"gonum.org/v1/gonum/stat"
)

// MaxLength is the width evaluation samples are padded to: max_length from
// the generation arguments, or train.seq_length.
func (t *Trainer) MaxLength() int {
	if v, ok := t.GenerateKwargs(nil)["max_length"]; ok {
		if opts, err := arch.ParseGenerateOptions(map[string]any{"max_length": v}); err == nil && opts.MaxLength > 0 {
			return opts.MaxLength
		}
	}
	return t.Config.Train.SeqLength
}

// Evaluate generates from every eval prompt on every rank, gathers the
// samples and scores them on the main process. Every rank must call it;
// only the main process returns rewards, metrics and the samples table.
func (t *Trainer) Evaluate() (map[string]any, error) {
	if t.evalPrompts == nil {
		return nil, errors.New("no eval pipeline")
	}
	start := time.Now()
	maxLength := t.MaxLength()
	padID := t.PadTokenID()

	var rows [][]int32
	truncated := 0
	t.evalPrompts.Reset()
	for {
		b, err := t.evalPrompts.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read eval prompts: %w", err)
		}
		batch, ok := b.(*data.PromptBatch)
		if !ok {
			return nil, fmt.Errorf("eval pipeline yielded %T, want *data.PromptBatch", b)
		}
		out, err := t.Generate(batch.InputIDs, batch.AttentionMask, nil)
		if err != nil {
			return nil, err
		}
		for _, seq := range out.Sequences {
			if len(seq) > maxLength {
				truncated++
				seq = seq[:maxLength]
			}
			row := make([]int32, maxLength)
			n := copy(row, seq)
			for i := n; i < maxLength; i++ {
				row[i] = padID
			}
			rows = append(rows, row)
		}
	}
	if truncated > 0 {
		t.logger.Warn("truncated eval samples longer than max_length", "samples", truncated, "max_length", maxLength)
	}

	all, err := t.acc.Gather(rows)
	if err != nil {
		return nil, err
	}
	stats := map[string]any{"generate_time": time.Since(start).Seconds()}
	if !t.acc.IsMainProcess() {
		return stats, nil
	}

	samples := rewards.Samples{Tokens: all}
	sampleCol := make([]any, len(all))
	if t.Tokenizer != nil {
		if samples.Text, err = t.Tokenizer.BatchDecode(all, true); err != nil {
			return nil, fmt.Errorf("failed to decode samples: %w", err)
		}
		for i, s := range samples.Text {
			sampleCol[i] = s
		}
	} else {
		for i, row := range all {
			sampleCol[i] = fmt.Sprint(row)
		}
	}
	columns := []string{"samples"}
	columnData := [][]any{sampleCol}

	if t.RewardFn != nil {
		scores, err := t.RewardFn(samples)
		if err != nil {
			return nil, fmt.Errorf("reward function failed: %w", err)
		}
		if len(scores) != len(all) {
			return nil, fmt.Errorf("reward function returned %d scores for %d samples", len(scores), len(all))
		}
		stats["mean_reward"] = stat.Mean(scores, nil)
		columns = append(columns, "reward")
		columnData = append(columnData, toAny(scores))
	}

	if t.MetricFn != nil {
		metricStart := time.Now()
		metrics, err := t.MetricFn(samples)
		if err != nil {
			return nil, fmt.Errorf("metric function failed: %w", err)
		}
		stats["metric_time"] = time.Since(metricStart).Seconds()
		names := make([]string, 0, len(metrics))
		for name := range metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			values := metrics[name]
			if len(values) != len(all) {
				return nil, fmt.Errorf("metric %s has %d values for %d samples", name, len(values), len(all))
			}
			stats["metrics/"+name] = stat.Mean(values, nil)
			columns = append(columns, name)
			columnData = append(columnData, toAny(values))
		}
	}

	table, err := tracker.NewTable(columns, columnData...)
	if err != nil {
		return nil, err
	}
	stats["samples"] = table
	return stats, nil
}

func toAny(values []float64) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
