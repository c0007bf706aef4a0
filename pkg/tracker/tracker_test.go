package tracker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable(t *testing.T) {
	table, err := NewTable([]string{"samples", "reward"}, []any{"a", "b"}, []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"a", 1.0}, {"b", 2.0}}, table.Rows)
	assert.Equal(t, []any{1.0, 2.0}, table.Column("reward"))
	assert.Nil(t, table.Column("missing"))

	_, err = NewTable([]string{"a"}, []any{1}, []any{2})
	assert.Error(t, err)
	_, err = NewTable([]string{"a", "b"}, []any{1}, []any{2, 3})
	assert.Error(t, err)
}

func TestConsoleRendersTables(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, InitOptions{Project: "trlx"})
	table, err := NewTable([]string{"samples"}, []any{"hello"})
	require.NoError(t, err)
	require.NoError(t, c.Log(map[string]any{"mean_reward": 2.0, "samples": table}, 3))
	out := buf.String()
	assert.Contains(t, out, "mean_reward")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "samples")
}

func TestJSONL(t *testing.T) {
	j, err := NewJSONL(InitOptions{Project: "p", Dir: t.TempDir(), Config: map[string]any{"seed": 1}})
	require.NoError(t, err)
	table, err := NewTable([]string{"samples"}, []any{"x"})
	require.NoError(t, err)
	require.NoError(t, j.Log(map[string]any{"loss": 0.5, "samples": table}, 10))
	require.NoError(t, j.Close())

	f, err := os.Open(j.Path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, j.RunID, lines[0]["run"])
	assert.Equal(t, 0.5, lines[1]["loss"])
	assert.Equal(t, 10.0, lines[1]["_step"])
}

func TestNewDisabledIsNop(t *testing.T) {
	tr, err := New("jsonl", InitOptions{Mode: ModeDisabled})
	require.NoError(t, err)
	assert.Equal(t, Nop(), tr)

	_, err = New("wandb", InitOptions{Mode: ModeOnline})
	assert.Error(t, err)
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv("debug", "1")
	assert.Equal(t, ModeDisabled, ModeFromEnv())
	t.Setenv("debug", "")
	assert.Equal(t, ModeOnline, ModeFromEnv())
}
