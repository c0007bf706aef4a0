package accel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Stateful is a checkpointed component: model parameters, optimizer or schedule.
type Stateful interface {
	WriteState(w io.Writer) error
	ReadState(r io.Reader) error
}

// SaveState writes every component to <dir>/<name>.bin from the main process,
// then waits for every rank. A write error is returned after the barrier.
func (a *Accelerator) SaveState(dir string, components map[string]Stateful) error {
	var saveErr error
	if a.IsMainProcess() {
		saveErr = a.writeState(dir, components)
	}
	if err := a.WaitForEveryone(); err != nil {
		return errors.Join(saveErr, err)
	}
	return saveErr
}

func (a *Accelerator) writeState(dir string, components map[string]Stateful) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	for _, name := range sortedNames(components) {
		if err := writeComponent(filepath.Join(dir, name+".bin"), components[name]); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	a.logger.Info("saved checkpoint", "dir", dir)
	return nil
}

// LoadState reads every component from <dir>/<name>.bin on every rank.
func (a *Accelerator) LoadState(dir string, components map[string]Stateful) error {
	for _, name := range sortedNames(components) {
		f, err := os.Open(filepath.Join(dir, name+".bin"))
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
		err = components[name].ReadState(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

func sortedNames(components map[string]Stateful) []string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeComponent writes to a temporary file and renames it over path.
func writeComponent(path string, c Stateful) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	if err := c.WriteState(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
