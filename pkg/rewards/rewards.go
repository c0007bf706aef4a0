// Package rewards scores generated samples for evaluation and rollouts.
package rewards

import (
	"fmt"
	"sort"
	"time"

	"github.com/dlclark/regexp2"
)

// Samples are generated sequences. Tokens is always set; Text is set only
// when a tokenizer decoded the tokens.
type Samples struct {
	Tokens [][]int32
	Text   []string
}

// Len is the number of samples.
func (s Samples) Len() int { return len(s.Tokens) }

// RewardFn returns one reward per sample.
type RewardFn func(Samples) ([]float64, error)

// MetricFn returns per-sample values for every metric name.
type MetricFn func(Samples) (map[string][]float64, error)

// ErrNoText is returned by text based functions for samples without Text.
var ErrNoText = fmt.Errorf("samples have no decoded text")

// matchTimeout bounds one regex evaluation.
const matchTimeout = time.Second

func compile(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

func countMatches(re *regexp2.Regexp, text string) (int, error) {
	n := 0
	m, err := re.FindStringMatch(text)
	for m != nil && err == nil {
		n++
		m, err = re.FindNextMatch(m)
	}
	return n, err
}

func scoreText(re *regexp2.Regexp, s Samples) ([]float64, error) {
	if s.Text == nil && s.Len() > 0 {
		return nil, ErrNoText
	}
	scores := make([]float64, len(s.Text))
	for i, text := range s.Text {
		n, err := countMatches(re, text)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = float64(n)
	}
	return scores, nil
}

// Pattern rewards each sample with the number of matches of pattern in its text.
func Pattern(pattern string) (RewardFn, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(s Samples) ([]float64, error) { return scoreText(re, s) }, nil
}

// Metrics counts the matches of every named pattern in each sample's text.
func Metrics(patterns map[string]string) (MetricFn, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	compiled := make([]*regexp2.Regexp, len(names))
	for i, name := range names {
		re, err := compile(patterns[name])
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		compiled[i] = re
	}
	return func(s Samples) (map[string][]float64, error) {
		out := make(map[string][]float64, len(names))
		for i, name := range names {
			scores, err := scoreText(compiled[i], s)
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", name, err)
			}
			out[name] = scores
		}
		return out, nil
	}, nil
}

// TokenCount rewards each sample with the number of occurrences of id.
// It needs no tokenizer.
func TokenCount(id int32) RewardFn {
	return func(s Samples) ([]float64, error) {
		scores := make([]float64, s.Len())
		for i, row := range s.Tokens {
			for _, tok := range row {
				if tok == id {
					scores[i]++
				}
			}
		}
		return scores, nil
	}
}
