// Package tracker provides the sinks training statistics are logged to.
package tracker

import (
	"fmt"
	"os"
)

// Tracker records one flat mapping of statistics per call.
type Tracker interface {
	// Log records stats at step. Values are scalars, strings or *Table.
	Log(stats map[string]any, step int) error
	// Close flushes and releases the sink.
	Close() error
}

// Mode values of InitOptions.
const (
	ModeOnline   = "online"
	ModeDisabled = "disabled"
)

// InitOptions describe the run a tracker records.
type InitOptions struct {
	Project string
	Entity  string
	// Name is the run name, usually the model path.
	Name string
	// Config is logged once when the run starts.
	Config map[string]any
	// Mode is ModeOnline or ModeDisabled.
	Mode string
	// Dir is where file based trackers write.
	Dir string
}

// ModeFromEnv disables tracking when the debug environment variable is set.
func ModeFromEnv() string {
	if os.Getenv("debug") != "" {
		return ModeDisabled
	}
	return ModeOnline
}

// New returns the tracker of the given kind: "console", "jsonl" or "none".
// A disabled mode always yields a no-op tracker.
func New(kind string, opts InitOptions) (Tracker, error) {
	if opts.Mode == ModeDisabled {
		return Nop(), nil
	}
	switch kind {
	case "console":
		return NewConsole(os.Stdout, opts), nil
	case "jsonl":
		return NewJSONL(opts)
	case "none", "":
		return Nop(), nil
	}
	return nil, fmt.Errorf("unknown tracker %q", kind)
}

type nop struct{}

// Nop returns a tracker that drops everything.
func Nop() Tracker { return nop{} }

func (nop) Log(map[string]any, int) error { return nil }
func (nop) Close() error                  { return nil }

// Table is a row-oriented table of samples and their scores.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// NewTable zips equally long columns into rows.
func NewTable(columns []string, data ...[]any) (*Table, error) {
	if len(columns) != len(data) {
		return nil, fmt.Errorf("got %d column names for %d columns", len(columns), len(data))
	}
	t := &Table{Columns: columns}
	if len(data) == 0 {
		return t, nil
	}
	n := len(data[0])
	for i, col := range data {
		if len(col) != n {
			return nil, fmt.Errorf("column %s has %d values, want %d", columns[i], len(col), n)
		}
	}
	t.Rows = make([][]any, n)
	for r := range t.Rows {
		row := make([]any, len(data))
		for c := range data {
			row[c] = data[c][r]
		}
		t.Rows[r] = row
	}
	return t, nil
}

// Column returns the values of the named column, or nil.
func (t *Table) Column(name string) []any {
	for c, col := range t.Columns {
		if col != name {
			continue
		}
		out := make([]any, len(t.Rows))
		for r, row := range t.Rows {
			out[r] = row[c]
		}
		return out
	}
	return nil
}
