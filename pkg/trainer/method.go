package trainer

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/conneroisu/trlx/pkg/arch"
	"github.com/conneroisu/trlx/pkg/config"
	"github.com/conneroisu/trlx/pkg/data"
	"github.com/conneroisu/trlx/pkg/nn"
)

// Model is the policy a Trainer optimizes.
type Model interface {
	// Parameters returns every parameter, frozen or not.
	Parameters() []*nn.Param
	// TransformerBlocks returns the backbone blocks, bottom first.
	TransformerBlocks() []nn.Module
	// Generate continues inputIDs without recording gradients.
	Generate(rng *rand.Rand, inputIDs, attentionMask [][]int32, opts arch.GenerateOptions) (*arch.GenerateOutput, error)
}

// Method is a training algorithm: it builds the model, supplies the batches
// and turns a batch into a loss.
type Method interface {
	// GetArch builds the model for cfg.
	GetArch(cfg config.TRLConfig) (Model, error)
	// PrepareLearning is called once at the start of Learn.
	PrepareLearning(t *Trainer) (*Plan, error)
	// Loss computes the loss of one batch and the stats logged with it.
	Loss(batch any) (*nn.Loss, map[string]float64, error)
	// PostBackwardCallback runs after the updates of every batch.
	PostBackwardCallback() error
	// PostEpochCallback runs after every epoch.
	PostEpochCallback() error
}

// GenerateKwargser is implemented by methods with default generation
// arguments. Arguments passed to Trainer.Generate take precedence.
type GenerateKwargser interface {
	GenerateKwargs() map[string]any
}

// Plan is what Learn iterates over.
type Plan struct {
	TrainLoader      data.Loader
	NUpdatesPerBatch int
	TotalSteps       int
}

// Factory builds a Method for a config.
type Factory func(cfg config.TRLConfig) (Method, error)

// ErrUnknownMethod is returned by Lookup for unregistered names.
var ErrUnknownMethod = errors.New("unknown method")

var (
	methodsMu sync.RWMutex
	methods   = map[string]Factory{}
)

// Register makes a method available under name. It panics if name is
// registered twice or factory is nil.
func Register(name string, factory Factory) {
	methodsMu.Lock()
	defer methodsMu.Unlock()
	if factory == nil {
		panic("trainer: Register factory is nil")
	}
	if _, dup := methods[name]; dup {
		panic("trainer: Register called twice for method " + name)
	}
	methods[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	methodsMu.RLock()
	defer methodsMu.RUnlock()
	factory, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, name)
	}
	return factory, nil
}

// Methods returns the registered method names, sorted.
func Methods() []string {
	methodsMu.RLock()
	defer methodsMu.RUnlock()
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
