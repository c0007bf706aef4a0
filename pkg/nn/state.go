package nn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Checkpoint files start with a 256 int32 little-endian header: magic,
// version, then per-file counts.
const (
	headerLen = 256
	version   = 1

	paramsMagic    int32 = 20240601
	optimizerMagic int32 = 20240602
	scheduleMagic  int32 = 20240603
)

func writeHeader(w io.Writer, magic int32, fields ...int32) error {
	header := make([]int32, headerLen)
	header[0], header[1] = magic, version
	copy(header[2:], fields)
	return binary.Write(w, binary.LittleEndian, header)
}

func readHeader(r io.Reader, magic int32) ([]int32, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header[0] != magic || header[1] != version {
		return nil, fmt.Errorf("invalid header: magic %d version %d", header[0], header[1])
	}
	return header[2:], nil
}

func writeLengths(w io.Writer, params []*Param) error {
	lengths := make([]int64, len(params))
	for i, p := range params {
		lengths[i] = int64(p.Len())
	}
	return binary.Write(w, binary.LittleEndian, lengths)
}

func checkLengths(r io.Reader, params []*Param) error {
	lengths := make([]int64, len(params))
	if err := binary.Read(r, binary.LittleEndian, lengths); err != nil {
		return err
	}
	for i, p := range params {
		if lengths[i] != int64(p.Len()) {
			return fmt.Errorf("param %s: checkpoint has %d values, model has %d", p.Name, lengths[i], p.Len())
		}
	}
	return nil
}

// WriteParams writes the values of params.
func WriteParams(w io.Writer, params []*Param) error {
	if err := writeHeader(w, paramsMagic, int32(len(params))); err != nil {
		return err
	}
	if err := writeLengths(w, params); err != nil {
		return err
	}
	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("failed to write param %s: %w", p.Name, err)
		}
	}
	return nil
}

// ReadParams reads values written by WriteParams into params, which must have
// the same layout.
func ReadParams(r io.Reader, params []*Param) error {
	fields, err := readHeader(r, paramsMagic)
	if err != nil {
		return err
	}
	if int(fields[0]) != len(params) {
		return fmt.Errorf("checkpoint has %d params, model has %d", fields[0], len(params))
	}
	if err := checkLengths(r, params); err != nil {
		return err
	}
	for _, p := range params {
		if err := binary.Read(r, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("failed to read param %s: %w", p.Name, err)
		}
	}
	return nil
}

type adamwScalars struct {
	StepCount   int64
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// WriteState writes the hyperparameters, step count and moments of opt.
func (opt *AdamW) WriteState(w io.Writer) error {
	if err := writeHeader(w, optimizerMagic, int32(len(opt.params))); err != nil {
		return err
	}
	scalars := adamwScalars{
		StepCount:   int64(opt.StepCount),
		LR:          opt.LR,
		Beta1:       opt.Beta1,
		Beta2:       opt.Beta2,
		Eps:         opt.Eps,
		WeightDecay: opt.WeightDecay,
	}
	if err := binary.Write(w, binary.LittleEndian, scalars); err != nil {
		return err
	}
	if err := writeLengths(w, opt.params); err != nil {
		return err
	}
	for i := range opt.params {
		if err := binary.Write(w, binary.LittleEndian, opt.FirstMomentEstimates[i]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, opt.SecondMomentEstimates[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadState restores state written by WriteState.
func (opt *AdamW) ReadState(r io.Reader) error {
	fields, err := readHeader(r, optimizerMagic)
	if err != nil {
		return err
	}
	if int(fields[0]) != len(opt.params) {
		return fmt.Errorf("optimizer checkpoint has %d params, optimizer has %d", fields[0], len(opt.params))
	}
	var scalars adamwScalars
	if err := binary.Read(r, binary.LittleEndian, &scalars); err != nil {
		return err
	}
	if err := checkLengths(r, opt.params); err != nil {
		return err
	}
	for i := range opt.params {
		if err := binary.Read(r, binary.LittleEndian, opt.FirstMomentEstimates[i]); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, opt.SecondMomentEstimates[i]); err != nil {
			return err
		}
	}
	opt.StepCount = int(scalars.StepCount)
	opt.LR = scalars.LR
	opt.Beta1, opt.Beta2 = scalars.Beta1, scalars.Beta2
	opt.Eps, opt.WeightDecay = scalars.Eps, scalars.WeightDecay
	return nil
}

type scheduleScalars struct {
	LastEpoch int64
	TMax      int64
	BaseLR    float64
	EtaMin    float64
}

// WriteState writes the step counter and bounds of s.
func (s *CosineAnnealing) WriteState(w io.Writer) error {
	if err := writeHeader(w, scheduleMagic); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, scheduleScalars{
		LastEpoch: int64(s.LastEpoch),
		TMax:      int64(s.TMax),
		BaseLR:    s.BaseLR,
		EtaMin:    s.EtaMin,
	})
}

// ReadState restores state written by WriteState. The attached optimizer's
// rate is restored by its own state.
func (s *CosineAnnealing) ReadState(r io.Reader) error {
	if _, err := readHeader(r, scheduleMagic); err != nil {
		return err
	}
	var scalars scheduleScalars
	if err := binary.Read(r, binary.LittleEndian, &scalars); err != nil {
		return err
	}
	s.LastEpoch = int(scalars.LastEpoch)
	s.TMax = int(scalars.TMax)
	s.BaseLR, s.EtaMin = scalars.BaseLR, scalars.EtaMin
	return nil
}

// ParamSet checkpoints a list of parameters.
type ParamSet []*Param

// WriteState writes the parameter values.
func (s ParamSet) WriteState(w io.Writer) error { return WriteParams(w, s) }

// ReadState reads parameter values into s.
func (s ParamSet) ReadState(r io.Reader) error { return ReadParams(r, s) }
