// Package nn contains the parameter, optimizer and schedule types the trainer
// drives, independent of any concrete architecture.
package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Param is a named trainable tensor with its gradient.
type Param struct {
	// Name identifies the parameter in checkpoints and logs.
	Name string
	// Data is the parameter value, row-major.
	Data []float64
	// Grad is the gradient accumulated by the last backward pass.
	Grad []float64
	// Dims is the shape of Data.
	Dims []int

	frozen bool
}

// NewParam wraps data as a parameter with a zero gradient.
func NewParam(name string, data []float64, dims ...int) *Param {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if len(dims) > 0 && n != len(data) {
		panic(fmt.Sprintf("nn: param %s has %d values for dims %v", name, len(data), dims))
	}
	return &Param{
		Name: name,
		Data: data,
		Grad: make([]float64, len(data)),
		Dims: dims,
	}
}

// RequiresGrad reports whether backward passes accumulate into p.Grad.
func (p *Param) RequiresGrad() bool { return !p.frozen }

// SetRequiresGrad enables or disables gradients for p.
// Disabling also clears any gradient already accumulated.
func (p *Param) SetRequiresGrad(requires bool) {
	p.frozen = !requires
	if p.frozen {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Len is the number of values in p.
func (p *Param) Len() int { return len(p.Data) }

// Module is anything that owns parameters.
type Module interface {
	Parameters() []*Param
}

// Trainable returns the parameters of params that require gradients.
func Trainable(params []*Param) []*Param {
	out := make([]*Param, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad() {
			out = append(out, p)
		}
	}
	return out
}

// NumValues counts the values held by params.
func NumValues(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Len()
	}
	return n
}

// GradNorm is the global L2 norm of the gradients of params.
func GradNorm(params []*Param) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}
