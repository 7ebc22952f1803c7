package saga

import (
	"fmt"
	"sync"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// StepFactory rebuilds the step list for a saga type. Step closures cannot be
// persisted, so the recovery sweep uses the factory registered for a saga's
// type to reconstruct its steps from the persisted context.
type StepFactory func(initial domain.Context) []Step

// Registry maps saga types to their step-list factories. Workflow definitions
// register themselves at startup; the recovery sweep looks factories up when
// it finds stale rows.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StepFactory
}

// NewRegistry creates an empty saga-type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StepFactory)}
}

// Register adds a factory for the given saga type. Registering the same type
// twice is a programmer error.
func (r *Registry) Register(sagaType string, factory StepFactory) error {
	if sagaType == "" {
		return fmt.Errorf("register saga type: empty type name")
	}
	if factory == nil {
		return fmt.Errorf("register saga type %q: nil factory", sagaType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[sagaType]; exists {
		return fmt.Errorf("saga type %q already registered", sagaType)
	}
	r.factories[sagaType] = factory
	return nil
}

// Lookup returns the factory for the given saga type.
func (r *Registry) Lookup(sagaType string) (StepFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[sagaType]
	return factory, ok
}

// Types returns the registered saga type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
