package module

import (
	"fmt"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// Config is the per-instance module configuration carried by workflow nodes.
type Config = workflow.ModuleConfig

// Factory constructs a module with the provided configuration.
type Factory func(Config) (Module, error)

// Registry maps task families to the factories building their nodes. It is
// filled once while the stage catalog is loaded and only read afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs the factory of a task family.
func (r *Registry) Register(family string, factory Factory) error {
	switch {
	case family == "":
		return fmt.Errorf("module: family is required")
	case factory == nil:
		return fmt.Errorf("module: factory is required for %s", family)
	}
	if _, exists := r.factories[family]; exists {
		return fmt.Errorf("module: %s already registered", family)
	}
	r.factories[family] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(family string, factory Factory) {
	if err := r.Register(family, factory); err != nil {
		panic(err)
	}
}

// Resolve builds the node of family described by cfg.
func (r *Registry) Resolve(family string, cfg Config) (Module, error) {
	factory, ok := r.factories[family]
	if !ok {
		return nil, fmt.Errorf("module: no factory for %s", family)
	}
	mod, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := mod.Info().Validate(); err != nil {
		return nil, err
	}
	return mod, nil
}
