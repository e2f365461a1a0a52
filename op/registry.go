package op

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nomis52/dpflow/iteration"
)

var (
	// ErrUnknownKind is returned when building a kind without a registered factory.
	ErrUnknownKind = errors.New("no factory registered for kind")
	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("kind already registered")
)

// Factory builds the executor of one kind for an iteration. logger is the
// logger the surrounding stage reports through.
type Factory func(ic iteration.IterationContext, logger *slog.Logger) (Executor, error)

// Registry maps stage kinds to the factories that build them.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// Register installs the factory for kind.
func (r *Registry) Register(kind Kind, factory Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid stage kind %d", int(kind))
	}
	if factory == nil {
		return fmt.Errorf("factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Build constructs the executor of kind for ic.
func (r *Registry) Build(kind Kind, ic iteration.IterationContext, logger *slog.Logger) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	exec, err := factory(ic, logger)
	if err != nil {
		return nil, fmt.Errorf("building %s stage: %w", kind, err)
	}
	return exec, nil
}

// Missing returns the declared kinds that have no factory, in iteration order.
func (r *Registry) Missing() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []Kind
	for _, k := range Kinds {
		if _, ok := r.factories[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Kinds returns the registered kinds in iteration order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
