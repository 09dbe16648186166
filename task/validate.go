package task

import (
	"fmt"
	"sort"

	"github.com/hupe1980/taskmesh/core"
)

// CoverageSource answers whether capabilities have at least one available
// worker. The capability registry implements it.
type CoverageSource interface {
	Covers(caps []core.Capability) (core.Capability, bool)
}

// ValidatePlan proves a plan is executable before any step is dispatched:
// step ids must be unique, dependency references must resolve, the
// dependency graph must be acyclic (Kahn's algorithm), and every required
// capability must be covered by an available worker. A violation fails the
// task with a specific error; steps are never silently dropped.
func ValidatePlan(plan *core.Plan, coverage CoverageSource) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	index := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}

	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself: %w", s.ID, core.ErrCyclicDependency)
			}
		}
	}

	if cycle := findCycle(plan, index); len(cycle) > 0 {
		return fmt.Errorf("steps %v: %w", cycle, core.ErrCyclicDependency)
	}

	if coverage != nil {
		if missing, ok := coverage.Covers(plan.Capabilities()); !ok {
			return fmt.Errorf("capability %q: %w", missing, core.ErrCapabilityNotCovered)
		}
	}
	return nil
}

// findCycle runs Kahn's algorithm over the dependency edges; if topological
// ordering cannot consume every step, the remaining steps form at least one
// cycle and are returned sorted for a deterministic error message.
func findCycle(plan *core.Plan, index map[string]int) []string {
	n := len(plan.Steps)
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			j := index[dep]
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := []int{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		visited++
		for _, v := range dependents[u] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	if visited == n {
		return nil
	}

	remaining := []string{}
	for i := 0; i < n; i++ {
		if indeg[i] > 0 {
			remaining = append(remaining, plan.Steps[i].ID)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// readySteps returns the queued or retrying steps whose dependencies have
// all succeeded, in plan order. Pure over the plan snapshot.
func readySteps(plan *core.Plan) []*core.Step {
	ready := []*core.Step{}
	for _, s := range plan.Steps {
		if s.Status != core.StepQueued && s.Status != core.StepRetrying {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			d := plan.StepByID(dep)
			if d == nil || d.Status != core.StepSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// leafSteps returns steps no other step depends on; their results compose
// the task's final answer.
func leafSteps(plan *core.Plan) []*core.Step {
	hasDependent := map[string]bool{}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			hasDependent[dep] = true
		}
	}
	leaves := []*core.Step{}
	for _, s := range plan.Steps {
		if !hasDependent[s.ID] {
			leaves = append(leaves, s)
		}
	}
	return leaves
}
