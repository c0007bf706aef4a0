package nn

import "math"

// CosineAnnealing anneals an optimizer's learning rate from its initial value
// to EtaMin over TMax steps along half a cosine.
//
// The rate is a pure function of the step count:
//
//	lr(t) = EtaMin + (BaseLR - EtaMin) * (1 + cos(pi * t / TMax)) / 2
//
// Stepping past TMax is allowed; the rate keeps following the cosine.
type CosineAnnealing struct {
	BaseLR float64
	EtaMin float64
	TMax   int
	// LastEpoch is the number of Step calls so far.
	LastEpoch int

	opt *AdamW
}

// NewCosineAnnealing attaches a cosine schedule to opt, starting at opt.LR.
func NewCosineAnnealing(opt *AdamW, tMax int, etaMin float64) *CosineAnnealing {
	return &CosineAnnealing{
		BaseLR: opt.LR,
		EtaMin: etaMin,
		TMax:   tMax,
		opt:    opt,
	}
}

// LR is the learning rate at the current step.
func (s *CosineAnnealing) LR() float64 {
	if s.TMax <= 0 {
		return s.BaseLR
	}
	return s.EtaMin + (s.BaseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(s.LastEpoch)/float64(s.TMax)))/2
}

// Step advances the schedule and writes the new rate into the optimizer.
func (s *CosineAnnealing) Step() {
	s.LastEpoch++
	s.opt.LR = s.LR()
}
