package tracker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// JSONL appends one JSON object per Log call to <Dir>/<Project>/<run id>.jsonl.
type JSONL struct {
	// RunID identifies the run file.
	RunID string
	// Path is the run file.
	Path string

	f *os.File
	w *bufio.Writer
}

type runHeader struct {
	Run     string         `json:"run"`
	Name    string         `json:"name"`
	Entity  string         `json:"entity"`
	Started time.Time      `json:"started"`
	Config  map[string]any `json:"config"`
}

// NewJSONL creates the run file and writes the run header.
func NewJSONL(opts InitOptions) (*JSONL, error) {
	dir := filepath.Join(opts.Dir, opts.Project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tracker dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, id+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	j := &JSONL{RunID: id, Path: path, f: f, w: bufio.NewWriter(f)}
	header := runHeader{
		Run:     id,
		Name:    opts.Name,
		Entity:  opts.Entity,
		Started: time.Now().UTC(),
		Config:  opts.Config,
	}
	if err := j.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *JSONL) write(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if _, err := j.w.Write(append(raw, '\n')); err != nil {
		return err
	}
	return j.w.Flush()
}

// Log appends stats with their step.
func (j *JSONL) Log(stats map[string]any, step int) error {
	record := make(map[string]any, len(stats)+1)
	for k, v := range stats {
		record[k] = v
	}
	record["_step"] = step
	return j.write(record)
}

// Close closes the run file.
func (j *JSONL) Close() error {
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}
