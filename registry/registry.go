// Package registry maintains the provider descriptor table and its
// derived model index, adapted from the upstream agent framework's
// provider registry.
package registry

import (
	"sort"
	"sync"

	"github.com/BaSui01/agentflow/types"
)

// Registry maps provider name -> descriptor, with a secondary
// model -> provider index rebuilt on every mutation. When several
// providers list the same model, the first one registered wins the
// default resolution.
type Registry struct {
	mu sync.RWMutex

	order       []string
	descriptors map[string]types.ProviderDescriptor
	modelIndex  map[string]string // model -> provider name, first-registered wins
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]types.ProviderDescriptor),
		modelIndex:  make(map[string]string),
	}
}

// Register validates and adds (or replaces) a provider descriptor. A
// replace keeps the provider's original registration order for
// first-added model tie-breaks.
func (r *Registry) Register(d types.ProviderDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.descriptors[d.Name] = d
	r.rebuildModelIndexLocked()
	return nil
}

// Unregister removes a provider.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.descriptors, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildModelIndexLocked()
}

func (r *Registry) rebuildModelIndexLocked() {
	r.modelIndex = make(map[string]string)
	for _, name := range r.order {
		d, ok := r.descriptors[name]
		if !ok {
			continue
		}
		for _, model := range d.Models {
			if _, taken := r.modelIndex[model]; !taken {
				r.modelIndex[model] = name
			}
		}
	}
}

// Get returns a provider's descriptor.
func (r *Registry) Get(name string) (types.ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// ResolveModel returns the default provider for a model, per the
// first-added tie-break.
func (r *Registry) ResolveModel(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelIndex[model]
	return name, ok
}

// ProvidersForModel returns every provider that lists the given model,
// in registration order.
func (r *Registry) ProvidersForModel(model string) []types.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ProviderDescriptor
	for _, name := range r.order {
		d := r.descriptors[name]
		if d.HasModel(model) {
			out = append(out, d)
		}
	}
	return out
}

// List returns every provider descriptor in registration order.
func (r *Registry) List() []types.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ProviderDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}
	return out
}

// ListModels returns every distinct {model, provider} pair known to
// the registry, sorted by model then provider for stable output.
func (r *Registry) ListModels() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Model
	for _, name := range r.order {
		d := r.descriptors[name]
		for _, model := range d.Models {
			out = append(out, types.Model{Model: model, Provider: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
