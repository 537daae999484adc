// Package engine holds the pluggable-engine registry (including the
// per-engine kill-switch) and the runner that forces every engine through the
// shared enforcement gate before any side effect.
package engine

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type Spec struct {
	ID          string `yaml:"id" json:"engine_id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

type registryFile struct {
	Engines []Spec `yaml:"engines"`
}

// Registry is the administrative enable/disable surface for engines. Unknown
// engine ids are treated as disabled so a misconfigured caller cannot slip
// past the kill-switch.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Spec
	impls   map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: map[string]Spec{}, impls: map[string]Engine{}}
}

// LoadRegistry reads engines.yaml. A missing path yields an empty registry,
// not an error: a core with no engines configured simply denies everything
// engine-scoped.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	for _, spec := range f.Engines {
		if spec.ID == "" {
			return nil, fmt.Errorf("%s: engine with empty id", path)
		}
		r.engines[spec.ID] = spec
	}
	return r, nil
}

func (r *Registry) EngineEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.engines[id]
	return ok && spec.Enabled
}

// SetEnabled flips the kill-switch at runtime, registering the id if needed.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.engines[id]
	if !ok {
		spec = Spec{ID: id}
	}
	spec.Enabled = enabled
	r.engines[id] = spec
}

// Register binds an in-process engine implementation to an id.
func (r *Registry) Register(id string, impl Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[id] = impl
	if _, ok := r.engines[id]; !ok {
		r.engines[id] = Spec{ID: id}
	}
}

func (r *Registry) Lookup(id string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[id]
	return impl, ok
}

func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.engines))
	for _, spec := range r.engines {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
