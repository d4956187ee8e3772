// Package recovery orchestrates startup: recovery phases declare their
// dependencies, run concurrently where the graph allows, and report into a
// bounded startup log that survives restarts.
package recovery

import (
	"context"
	"fmt"
	"sort"
)

// Report is what a phase tells the startup log about its work.
type Report struct {
	SuccessCount       int
	FailureCount       int
	Degraded           bool
	CorruptedResources []string
}

// Phase is one unit of recovery work. Critical phases abort startup on
// failure; non-critical phases degrade it.
type Phase struct {
	Name      string
	DependsOn []string
	Critical  bool
	Run       func(ctx context.Context) (Report, error)
}

// topoSort orders phases so every phase runs after its dependencies, using
// Kahn's algorithm. A cycle or an unknown dependency is a configuration bug
// and fails startup outright.
func topoSort(phases []Phase) ([]Phase, error) {
	byName := make(map[string]Phase, len(phases))
	for _, p := range phases {
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate phase %q", p.Name)
		}
		byName[p.Name] = p
	}

	indegree := make(map[string]int, len(phases))
	dependents := make(map[string][]string)
	for _, p := range phases {
		indegree[p.Name] += 0
		for _, dep := range p.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("phase %q depends on unknown phase %q", p.Name, dep)
			}
			indegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var order []Phase
	for len(ready) > 0 {
		// Deterministic order among ready phases keeps logs stable.
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, byName[name])

		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(phases) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle among phases: %v", stuck)
	}
	return order, nil
}
