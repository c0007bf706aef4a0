// Package accel wraps a process group with the device, gradient
// synchronization, gathering, logging and checkpointing the trainer needs.
package accel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/trlx/pkg/dist"
	"github.com/conneroisu/trlx/pkg/nn"
	"github.com/conneroisu/trlx/pkg/tracker"
	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/floats"
)

// Accelerator is the per-process view of a data-parallel run.
type Accelerator struct {
	group   dist.Group
	rng     *rand.Rand
	tracker tracker.Tracker
	logger  *log.Logger
	params  []*nn.Param
}

// New sets up the accelerator of this process. Under a multi-process group it
// waits on a barrier for every rank; a single process instead seeds its RNG
// from seed so runs are reproducible.
func New(group dist.Group, seed int64) (*Accelerator, error) {
	a := &Accelerator{
		group:   group,
		tracker: tracker.Nop(),
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "accel"}).
			With("rank", group.Rank()),
	}
	if group.WorldSize() > 1 {
		if err := group.Barrier(); err != nil {
			return nil, fmt.Errorf("initial barrier failed: %w", err)
		}
		a.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(group.Rank())))
	} else {
		a.rng = rand.New(rand.NewSource(seed))
	}
	a.logger.Debug("accelerator ready", "world_size", group.WorldSize(), "device", a.Device())
	return a, nil
}

// Rank is the global rank of this process.
func (a *Accelerator) Rank() int { return a.group.Rank() }

// WorldSize is the number of processes.
func (a *Accelerator) WorldSize() int { return a.group.WorldSize() }

// IsMainProcess reports whether this is global rank 0.
func (a *Accelerator) IsMainProcess() bool { return a.group.Rank() == 0 }

// IsLocalMainProcess reports whether this is rank 0 on its host.
func (a *Accelerator) IsLocalMainProcess() bool { return a.group.LocalRank() == 0 }

// Rand is the RNG of this process.
func (a *Accelerator) Rand() *rand.Rand { return a.rng }

// Device describes the compute device.
func (a *Accelerator) Device() string {
	return fmt.Sprintf("cpu:%s (%d threads)", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores)
}

// Prepare registers the parameters whose gradients Backward synchronizes and
// copies rank 0's values to every rank.
func (a *Accelerator) Prepare(params []*nn.Param) error {
	a.params = params
	if a.WorldSize() == 1 {
		return nil
	}
	buf := make([]float64, nn.NumValues(params))
	if a.IsMainProcess() {
		flatten(buf, params, func(p *nn.Param) []float64 { return p.Data })
	}
	if err := a.group.AllReduce(buf); err != nil {
		return fmt.Errorf("failed to broadcast parameters: %w", err)
	}
	unflatten(buf, params, func(p *nn.Param) []float64 { return p.Data })
	return nil
}

func flatten(dst []float64, params []*nn.Param, field func(*nn.Param) []float64) {
	off := 0
	for _, p := range params {
		off += copy(dst[off:], field(p))
	}
}

func unflatten(src []float64, params []*nn.Param, field func(*nn.Param) []float64) {
	off := 0
	for _, p := range params {
		off += copy(field(p), src[off:])
	}
}

// Backward accumulates the gradients of loss and averages the gradients of
// every trainable prepared parameter across ranks.
func (a *Accelerator) Backward(loss *nn.Loss) error {
	if err := loss.Backward(); err != nil {
		return err
	}
	if a.WorldSize() == 1 {
		return nil
	}
	trainable := nn.Trainable(a.params)
	buf := make([]float64, nn.NumValues(trainable))
	grad := func(p *nn.Param) []float64 { return p.Grad }
	flatten(buf, trainable, grad)
	if err := a.group.AllReduce(buf); err != nil {
		return fmt.Errorf("gradient all-reduce failed: %w", err)
	}
	floats.Scale(1/float64(a.WorldSize()), buf)
	unflatten(buf, trainable, grad)
	return nil
}

// Gather concatenates every rank's rows in rank order. Every rank must call it.
func (a *Accelerator) Gather(rows [][]int32) ([][]int32, error) {
	payload, err := encodeRows(rows)
	if err != nil {
		return nil, err
	}
	all, err := a.group.AllGather(payload)
	if err != nil {
		return nil, fmt.Errorf("gather failed: %w", err)
	}
	var out [][]int32
	for rank, p := range all {
		part, err := decodeRows(p)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
		out = append(out, part...)
	}
	return out, nil
}

func encodeRows(rows [][]int32) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(rows))); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := binary.Write(&buf, binary.LittleEndian, int32(len(row))); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeRows(payload []byte) ([][]int32, error) {
	r := bytes.NewReader(payload)
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	rows := make([][]int32, n)
	for i := range rows {
		var width int32
		if err := binary.Read(r, binary.LittleEndian, &width); err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", i, err)
		}
		rows[i] = make([]int32, width)
		if err := binary.Read(r, binary.LittleEndian, rows[i]); err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", i, err)
		}
	}
	return rows, nil
}

// InitTrackers starts the tracker of the given kind on the main process.
func (a *Accelerator) InitTrackers(kind string, opts tracker.InitOptions) error {
	if !a.IsMainProcess() {
		return nil
	}
	t, err := tracker.New(kind, opts)
	if err != nil {
		return err
	}
	a.tracker = t
	return nil
}

// UseTracker replaces the tracker of the main process.
func (a *Accelerator) UseTracker(t tracker.Tracker) {
	if a.IsMainProcess() {
		a.tracker = t
	}
}

// Log records stats on the main process only.
func (a *Accelerator) Log(stats map[string]any, step int) error {
	if !a.IsMainProcess() {
		return nil
	}
	return a.tracker.Log(stats, step)
}

// WaitForEveryone blocks until every rank reaches it.
func (a *Accelerator) WaitForEveryone() error { return a.group.Barrier() }

// EndTraining closes the tracker.
func (a *Accelerator) EndTraining() error {
	err := a.tracker.Close()
	a.tracker = tracker.Nop()
	return err
}
