package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPattern(t *testing.T) {
	fn, err := Pattern(`a(?=b)`)
	require.NoError(t, err)
	scores, err := fn(Samples{Tokens: [][]int32{{1}, {2}, {3}}, Text: []string{"abab", "aa", ""}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, 0}, scores)

	_, err = fn(Samples{Tokens: [][]int32{{1}}})
	assert.ErrorIs(t, err, ErrNoText)

	_, err = Pattern(`(`)
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	fn, err := Metrics(map[string]string{"vowels": `[aeiou]`, "digits": `\d`})
	require.NoError(t, err)
	out, err := fn(Samples{Tokens: [][]int32{{1}, {2}}, Text: []string{"hello 42", "xyz"}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0}, out["vowels"])
	assert.Equal(t, []float64{2, 0}, out["digits"])

	_, err = Metrics(map[string]string{"bad": `[`})
	assert.Error(t, err)
}

func TestTokenCount(t *testing.T) {
	scores, err := TokenCount(7)(Samples{Tokens: [][]int32{{7, 7, 1}, {}, {7}}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, 1}, scores)
}
