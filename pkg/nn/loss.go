package nn

import "errors"

// ErrNoGraph is returned when a loss is backpropagated twice or was built
// without a backward pass.
var ErrNoGraph = errors.New("nn: loss has no backward graph")

// Loss is a scalar objective together with the closure that accumulates its
// gradients into the parameters it was computed from.
type Loss struct {
	// Value is the scalar loss.
	Value    float64
	backward func()
}

// NewLoss returns a loss whose Backward runs backward once.
func NewLoss(value float64, backward func()) *Loss {
	return &Loss{Value: value, backward: backward}
}

// Backward accumulates the gradients of the loss. The graph is released
// afterwards, so a second call returns ErrNoGraph.
func (l *Loss) Backward() error {
	if l.backward == nil {
		return ErrNoGraph
	}
	l.backward()
	l.backward = nil
	return nil
}
