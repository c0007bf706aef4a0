package data

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, l Loader) []any {
	t.Helper()
	var out []any
	for {
		b, err := l.NextBatch()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestLeftPad(t *testing.T) {
	batch := LeftPad([][]int32{{1, 2, 3}, {4}}, 9)
	assert.Equal(t, [][]int32{{1, 2, 3}, {9, 9, 4}}, batch.InputIDs)
	assert.Equal(t, [][]int32{{1, 1, 1}, {0, 0, 1}}, batch.AttentionMask)
}

func TestPromptPipeline(t *testing.T) {
	p, err := NewPromptPipeline([][]int32{{1}, {2, 3}, {4}, {5, 6, 7}, {8}}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Len())
	assert.Equal(t, 3, p.NumBatches())

	batches := drain(t, p)
	require.Len(t, batches, 3)
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}}, batches[0].(*PromptBatch).InputIDs)
	assert.Equal(t, [][]int32{{8}}, batches[2].(*PromptBatch).InputIDs)

	p.Reset()
	assert.Len(t, drain(t, p), 3)

	_, err = NewPromptPipeline([][]int32{{}}, 2, 0)
	assert.Error(t, err)
	_, err = NewPromptPipeline(nil, 0, 0)
	assert.Error(t, err)
}

func TestShard(t *testing.T) {
	rows := [][]int32{{0}, {1}, {2}, {3}, {4}}
	assert.Equal(t, [][]int32{{0}, {2}, {4}}, Shard(rows, 0, 2))
	assert.Equal(t, [][]int32{{1}, {3}}, Shard(rows, 1, 2))
	assert.Equal(t, rows, Shard(rows, 0, 1))
}

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.bin")
	require.NoError(t, WriteTokenFile(path, [][]int32{{1, 2, 3}, {4, 5, 6}, {7}}))

	rows, err := ReadTokenFile(path, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, rows)

	_, err = ReadTokenFile(path, 8)
	assert.Error(t, err)
	_, err = ReadTokenFile(filepath.Join(t.TempDir(), "missing.bin"), 3)
	assert.Error(t, err)
}

func TestReadPromptsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(path, []byte("ab\n\n  c \n"), 0o644))
	encode := func(s string) []int32 {
		ids := make([]int32, len(s))
		for i := range s {
			ids[i] = int32(s[i])
		}
		return ids
	}
	rows, err := ReadPrompts(path, 0, 0, encode)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{'a', 'b'}, {'c'}}, rows)

	_, err = ReadPrompts(path, 0, 0, nil)
	assert.Error(t, err)

	rows, err = ReadPrompts(path, 0, 1, encode)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{'a'}, {'c'}}, rows)
}

func TestStoreLoader(t *testing.T) {
	var s Store
	for i := 0; i < 5; i++ {
		s.Push(Rollout{Tokens: []int32{int32(i), 1}, PromptLen: 1, Reward: float64(i)})
	}
	assert.Equal(t, 1, s.Rollouts()[0].ResponseLen())

	l := s.Loader(2, nil)
	batches := drain(t, l)
	require.Len(t, batches, 3)
	assert.Equal(t, 4.0, batches[2].([]Rollout)[0].Reward)

	shuffled := s.Loader(5, rand.New(rand.NewSource(3)))
	batch := drain(t, shuffled)[0].([]Rollout)
	seen := map[float64]bool{}
	for _, r := range batch {
		seen[r.Reward] = true
	}
	assert.Len(t, seen, 5)

	s.Clear()
	l.Reset()
	assert.Empty(t, drain(t, l))
	s.Push(Rollout{Tokens: []int32{1, 2}, PromptLen: 1})
	l.Reset()
	assert.Len(t, drain(t, l), 1)
}
