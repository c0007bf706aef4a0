package arch

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// GenerateOptions controls autoregressive decoding.
type GenerateOptions struct {
	// MaxNewTokens bounds the number of generated tokens. It takes precedence
	// over MaxLength when both are set.
	MaxNewTokens int
	// MaxLength bounds the total row length, prompt included.
	MaxLength int
	// Temperature divides the logits before sampling.
	Temperature float64
	// TopK keeps only the k most likely tokens when positive.
	TopK int
	// DoSample samples from the distribution; otherwise decoding is greedy.
	DoSample bool
	// EOSTokenID stops a row once generated; negative disables stopping.
	EOSTokenID int32
	// PadTokenID fills rows that stopped early.
	PadTokenID int32
}

// DefaultGenerateOptions returns greedy decoding of 16 tokens without early stop.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxNewTokens: 16,
		Temperature:  1,
		EOSTokenID:   -1,
	}
}

// ParseGenerateOptions converts generation keyword arguments into options,
// starting from DefaultGenerateOptions.
func ParseGenerateOptions(kwargs map[string]any) (GenerateOptions, error) {
	opts := DefaultGenerateOptions()
	for key, value := range kwargs {
		var err error
		switch key {
		case "max_new_tokens":
			opts.MaxNewTokens, err = asInt(value)
		case "max_length":
			opts.MaxLength, err = asInt(value)
		case "temperature":
			opts.Temperature, err = asFloat(value)
		case "top_k":
			opts.TopK, err = asInt(value)
		case "do_sample":
			b, ok := value.(bool)
			if !ok {
				err = fmt.Errorf("want bool, got %T", value)
			}
			opts.DoSample = b
		case "eos_token_id":
			var id int
			id, err = asInt(value)
			opts.EOSTokenID = int32(id)
		case "pad_token_id":
			var id int
			id, err = asInt(value)
			opts.PadTokenID = int32(id)
		default:
			err = fmt.Errorf("unknown generation parameter")
		}
		if err != nil {
			return GenerateOptions{}, fmt.Errorf("gen kwarg %s: %w", key, err)
		}
	}
	if opts.Temperature <= 0 {
		return GenerateOptions{}, fmt.Errorf("temperature must be positive, got %v", opts.Temperature)
	}
	return opts, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("want integer, got %v", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

// GenerateOutput is the result of Generate.
type GenerateOutput struct {
	// Sequences are the input rows followed by the generated tokens, right
	// padded with PadTokenID to a common length.
	Sequences [][]int32
	// PromptLengths is the input row length, the offset of the first
	// generated token in each sequence.
	PromptLengths []int
	// LogProbs holds the log-probability of each generated token per row.
	LogProbs [][]float64
}

type genRow struct {
	last   int32
	pos    int
	done   bool
	budget int
}

// Generate continues every row of inputIDs. Positions with a zero in
// attentionMask are padding and do not advance the position; a nil mask
// means every token is real. No gradient is recorded.
func (m *CausalLM) Generate(rng *rand.Rand, inputIDs, attentionMask [][]int32, opts GenerateOptions) (*GenerateOutput, error) {
	if attentionMask != nil && len(attentionMask) != len(inputIDs) {
		return nil, fmt.Errorf("got %d mask rows for %d input rows", len(attentionMask), len(inputIDs))
	}
	out := &GenerateOutput{
		Sequences:     make([][]int32, len(inputIDs)),
		PromptLengths: make([]int, len(inputIDs)),
		LogProbs:      make([][]float64, len(inputIDs)),
	}
	rows := make([]genRow, len(inputIDs))
	for i, input := range inputIDs {
		if len(input) == 0 {
			return nil, fmt.Errorf("row %d is empty", i)
		}
		unmasked := 0
		for j := range input {
			if attentionMask == nil || attentionMask[i][j] != 0 {
				unmasked++
				rows[i].last = input[j]
			}
		}
		if unmasked == 0 {
			return nil, fmt.Errorf("row %d has no unmasked token", i)
		}
		rows[i].pos = unmasked - 1
		budget := opts.MaxNewTokens
		if budget <= 0 && opts.MaxLength > 0 {
			budget = opts.MaxLength - len(input)
		}
		rows[i].budget = budget
		rows[i].done = budget <= 0
		out.Sequences[i] = append([]int32(nil), input...)
		out.PromptLengths[i] = len(input)
	}

	for {
		var active []int
		for i := range rows {
			r := &rows[i]
			if !r.done && r.pos >= m.Config.MaxSeqLen {
				// no position embedding left for the last token
				r.done = true
			}
			if !r.done {
				active = append(active, i)
			}
		}
		if len(active) == 0 {
			break
		}
		inputs := make([]int32, len(active))
		positions := make([]int, len(active))
		for k, i := range active {
			inputs[k], positions[k] = rows[i].last, rows[i].pos
		}
		pass, err := m.forward(inputs, positions)
		if err != nil {
			return nil, err
		}
		for k, i := range active {
			logProbs := pass.logProbs.RawRowView(k)
			next := pickToken(rng, logProbs, opts)
			r := &rows[i]
			out.Sequences[i] = append(out.Sequences[i], next)
			out.LogProbs[i] = append(out.LogProbs[i], logProbs[next])
			r.last = next
			r.pos++
			r.budget--
			if r.budget <= 0 || (opts.EOSTokenID >= 0 && next == opts.EOSTokenID) {
				r.done = true
			}
		}
	}

	width := 0
	for _, seq := range out.Sequences {
		width = max(width, len(seq))
	}
	for i, seq := range out.Sequences {
		for len(seq) < width {
			seq = append(seq, opts.PadTokenID)
		}
		out.Sequences[i] = seq
	}
	return out, nil
}

// pickToken chooses the next token from a row of log-probabilities.
func pickToken(rng *rand.Rand, logProbs []float64, opts GenerateOptions) int32 {
	if !opts.DoSample {
		best := 0
		for v, lp := range logProbs {
			if lp > logProbs[best] {
				best = v
			}
		}
		return int32(best)
	}
	weights := make([]float64, len(logProbs))
	for v, lp := range logProbs {
		weights[v] = math.Exp(lp / opts.Temperature)
	}
	if opts.TopK > 0 && opts.TopK < len(weights) {
		applyTopK(weights, opts.TopK)
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	return int32(sampleMult(weights, rng.Float64()*total))
}

// applyTopK zeroes every weight outside the k largest.
func applyTopK(weights []float64, k int) {
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return weights[order[a]] > weights[order[b]] })
	for _, idx := range order[k:] {
		weights[idx] = 0
	}
}

// sampleMult returns the index where the running sum of weights first exceeds coin.
func sampleMult(weights []float64, coin float64) int {
	var cdf float64
	for i, w := range weights {
		cdf += w
		if coin < cdf {
			return i
		}
	}
	return len(weights) - 1
}
