package registry

import (
	"github.com/bitsurgeon/firmlens/api/schemas"
)

// Plan expands a requested plugin set into its transitive dependency closure
// and returns a topological ordering of it. The ordering is deterministic:
// ties break on registration order, so tests and repeated runs see identical
// plans. Unknown names yield a ConfigurationError. Plan never executes
// anything; the scheduler consumes the returned order.
func (r *Registry) Plan(requested []string) ([]string, error) {
	if !r.built {
		return nil, schemas.NewConfigurationError("registry must be built before planning")
	}
	if len(requested) == 0 {
		return nil, schemas.NewConfigurationError("requested plugin set is empty")
	}

	// Transitive closure of the request.
	closure := make(map[string]bool)
	stack := make([]string, 0, len(requested))
	for _, name := range requested {
		if !r.Has(name) {
			return nil, schemas.NewConfigurationError("requested plugin %q is not registered", name)
		}
		stack = append(stack, name)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[name] {
			continue
		}
		closure[name] = true
		stack = append(stack, r.plugins[name].Dependencies()...)
	}

	// Kahn's algorithm, scanning candidates in registration order for the
	// stable tie-break. The registry is already known acyclic from Build,
	// so this always consumes the whole closure.
	indegree := make(map[string]int, len(closure))
	for name := range closure {
		indegree[name] = len(r.plugins[name].Dependencies())
	}

	plan := make([]string, 0, len(closure))
	emitted := make(map[string]bool, len(closure))
	for len(plan) < len(closure) {
		for _, name := range r.order {
			if !closure[name] || emitted[name] || indegree[name] != 0 {
				continue
			}
			plan = append(plan, name)
			emitted[name] = true
			for _, dependent := range r.dependents[name] {
				// Only direct dependents lose an edge.
				if closure[dependent] && directDep(r.plugins[dependent].Dependencies(), name) {
					indegree[dependent]--
				}
			}
		}
	}
	return plan, nil
}

func directDep(deps []string, name string) bool {
	for _, d := range deps {
		if d == name {
			return true
		}
	}
	return false
}
