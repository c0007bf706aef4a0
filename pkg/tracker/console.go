package tracker

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
)

// Console logs scalars through a charmbracelet logger and renders tables.
type Console struct {
	w      io.Writer
	logger *log.Logger
}

// NewConsole returns a console tracker writing to w.
func NewConsole(w io.Writer, opts InitOptions) *Console {
	logger := log.NewWithOptions(w, log.Options{Prefix: opts.Project})
	logger.Info("run started", "name", opts.Name, "entity", opts.Entity)
	return &Console{w: w, logger: logger}
}

// Log writes scalars as one log line and every table below it.
func (c *Console) Log(stats map[string]any, step int) error {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keyvals := []any{"step", step}
	var tables []string
	for _, k := range keys {
		if t, ok := stats[k].(*Table); ok {
			tables = append(tables, k+"\n"+renderTable(t))
			continue
		}
		keyvals = append(keyvals, k, formatValue(stats[k]))
	}
	c.logger.Info("stats", keyvals...)
	for _, t := range tables {
		if _, err := fmt.Fprintln(c.w, t); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (c *Console) Close() error { return nil }

func renderTable(t *Table) string {
	rows := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		cells := make([]string, len(row))
		for c, v := range row {
			cells[c] = formatValue(v)
		}
		rows[r] = cells
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(t.Columns...).
		Rows(rows...).
		Render()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.4g", x)
	case float32:
		return fmt.Sprintf("%.4g", x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}
