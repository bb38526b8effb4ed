// Package registry holds the static plugin catalog and turns requested
// plugin sets into dependency-ordered execution plans.
package registry

import (
	"sort"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// Registry is the static catalog of available plugins. Plugins are registered
// at startup and validated once by Build; afterwards the registry is
// immutable and safe for unlocked concurrent reads.
type Registry struct {
	logger  *zap.Logger
	plugins map[string]schemas.Plugin
	// order preserves registration order; it is the deterministic tie-break
	// for topological plans.
	order []string
	// dependents maps a plugin to everything that depends on it,
	// transitively. Computed by Build.
	dependents map[string][]string
	built      bool
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		plugins: make(map[string]schemas.Plugin),
	}
}

// Register adds a plugin to the catalog. It fails with a ConfigurationError
// if the name is already taken or the registry has been built. Dependency
// names are validated globally by Build, so registration order between
// plugins does not matter.
func (r *Registry) Register(p schemas.Plugin) error {
	if r.built {
		return schemas.NewConfigurationError("registry is sealed; cannot register %q at runtime", p.Name())
	}
	name := p.Name()
	if name == "" {
		return schemas.NewConfigurationError("plugin name must not be empty")
	}
	if _, dup := r.plugins[name]; dup {
		return schemas.NewConfigurationError("plugin %q is already registered", name)
	}
	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Build validates the whole catalog: every declared dependency must be
// registered and the dependency graph must be acyclic. Cycles are rejected
// here, once, globally, before any object is processed. After a successful
// Build the registry is sealed.
func (r *Registry) Build() error {
	if r.built {
		return nil
	}
	for _, name := range r.order {
		seen := make(map[string]bool)
		for _, dep := range r.plugins[name].Dependencies() {
			if _, ok := r.plugins[dep]; !ok {
				return schemas.NewConfigurationError("plugin %q depends on unknown plugin %q", name, dep)
			}
			// A duplicate would skew the indegree bookkeeping in Plan.
			if seen[dep] {
				return schemas.NewConfigurationError("plugin %q declares dependency %q twice", name, dep)
			}
			seen[dep] = true
		}
	}
	if cycle := r.findCycle(); cycle != "" {
		return schemas.NewConfigurationError("dependency cycle through plugin %q", cycle)
	}
	r.buildDependents()
	r.built = true
	r.logger.Info("Plugin registry built",
		zap.Int("plugins", len(r.order)),
		zap.Strings("order", r.order))
	return nil
}

// findCycle runs a three-color depth-first search over the dependency graph
// and returns the name of a plugin on a cycle, or "".
func (r *Registry) findCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.plugins))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		for _, dep := range r.plugins[name].Dependencies() {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, name := range r.order {
		if color[name] == white {
			if hit := visit(name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func (r *Registry) buildDependents() {
	reverse := make(map[string][]string, len(r.plugins))
	for _, name := range r.order {
		for _, dep := range r.plugins[name].Dependencies() {
			reverse[dep] = append(reverse[dep], name)
		}
	}

	r.dependents = make(map[string][]string, len(r.plugins))
	for _, name := range r.order {
		seen := make(map[string]bool)
		stack := append([]string(nil), reverse[name]...)
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[next] {
				continue
			}
			seen[next] = true
			stack = append(stack, reverse[next]...)
		}
		closure := make([]string, 0, len(seen))
		for dep := range seen {
			closure = append(closure, dep)
		}
		sort.Strings(closure)
		r.dependents[name] = closure
	}
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (schemas.Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.plugins[name]
	return ok
}

// Names returns all registered plugin names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Descriptors returns the catalog as static descriptors, in registration
// order.
func (r *Registry) Descriptors() []schemas.PluginDescriptor {
	out := make([]schemas.PluginDescriptor, 0, len(r.order))
	for _, name := range r.order {
		p := r.plugins[name]
		out = append(out, schemas.PluginDescriptor{
			Name:         p.Name(),
			Version:      p.Version(),
			Dependencies: append([]string(nil), p.Dependencies()...),
		})
	}
	return out
}

// DependenciesOf returns the direct dependencies of a plugin.
func (r *Registry) DependenciesOf(name string) []string {
	p, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return append([]string(nil), p.Dependencies()...)
}

// DependentsOf returns every plugin that depends on name, directly or
// transitively, sorted by name. Only valid after Build.
func (r *Registry) DependentsOf(name string) []string {
	return append([]string(nil), r.dependents[name]...)
}
