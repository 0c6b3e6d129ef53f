package engine

import (
	"fmt"
	"sort"

	"github.com/torosent/crankswarm/internal/script"
)

// Factory builds an engine for one script.
type Factory func(cfg script.Config, opts Options) (Engine, error)

// Registry maps engine names to factories. It is populated at start-up and
// read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a registry holding the built-in engines.
func Default() *Registry {
	r := NewRegistry()
	r.Register(HTTPEngineName, NewHTTP)
	r.Register(WSEngineName, NewWS)
	r.Register(GRPCEngineName, NewGRPC)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Has reports whether name resolves to an engine.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the engine registered as name.
func (r *Registry) New(name string, cfg script.Config, opts Options) (Engine, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", script.ErrUnknownEngine, name)
	}
	e, err := f(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", name, err)
	}
	return e, nil
}
