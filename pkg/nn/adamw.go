package nn

import (
	"fmt"
	"math"
)

// AdamW is the AdamW optimizer with decoupled weight decay.
//
// It is built over every parameter of a model, frozen ones included: a
// parameter whose RequiresGrad is false has no gradient and is skipped by Step,
// keeping zero moments.
type AdamW struct {
	// LR is the current learning rate; schedules write it.
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*Param
	// FirstMomentEstimates is the first moment estimate per parameter.
	FirstMomentEstimates [][]float64
	// SecondMomentEstimates is the second moment estimate per parameter.
	SecondMomentEstimates [][]float64
	// StepCount is the number of Step calls so far.
	StepCount int
}

// NewAdamW returns an AdamW optimizer over params.
func NewAdamW(params []*Param, lr float64, betas [2]float64, eps, weightDecay float64) (*AdamW, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	if betas[0] < 0 || betas[0] >= 1 || betas[1] < 0 || betas[1] >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v", betas)
	}
	if eps <= 0 {
		eps = 1e-8
	}
	opt := &AdamW{
		LR:                    lr,
		Beta1:                 betas[0],
		Beta2:                 betas[1],
		Eps:                   eps,
		WeightDecay:           weightDecay,
		params:                params,
		FirstMomentEstimates:  make([][]float64, len(params)),
		SecondMomentEstimates: make([][]float64, len(params)),
	}
	for i, p := range params {
		opt.FirstMomentEstimates[i] = make([]float64, p.Len())
		opt.SecondMomentEstimates[i] = make([]float64, p.Len())
	}
	return opt, nil
}

// Params returns the parameters the optimizer was built over.
func (opt *AdamW) Params() []*Param { return opt.params }

// Step applies one update to every parameter that requires gradients.
func (opt *AdamW) Step() {
	opt.StepCount++
	t := float64(opt.StepCount)
	bias1 := 1 - math.Pow(opt.Beta1, t)
	bias2 := 1 - math.Pow(opt.Beta2, t)
	for i, p := range opt.params {
		if !p.RequiresGrad() {
			continue
		}
		m, v := opt.FirstMomentEstimates[i], opt.SecondMomentEstimates[i]
		for j, g := range p.Grad {
			m[j] = opt.Beta1*m[j] + (1-opt.Beta1)*g
			v[j] = opt.Beta2*v[j] + (1-opt.Beta2)*g*g
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.Data[j] -= opt.LR * (mHat/(math.Sqrt(vHat)+opt.Eps) + opt.WeightDecay*p.Data[j])
		}
	}
}

// ZeroGrad resets the gradients of every parameter.
func (opt *AdamW) ZeroGrad() {
	for _, p := range opt.params {
		for j := range p.Grad {
			p.Grad[j] = 0
		}
	}
}
