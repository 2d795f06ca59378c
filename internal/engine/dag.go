package engine

import (
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

// Graph is the validated dependency structure of a workflow definition.
// Steps are held in an arena indexed by ID; edges live in separate adjacency maps.
type Graph struct {
	Steps      map[string]*schema.Step // step ID → definition
	Order      []string                // declared order
	Deps       map[string][]string     // step ID → direct dependencies
	Dependents map[string][]string     // step ID → direct dependents, in declared order
	Sorted     []string                // topological order, ties broken by declared order
	Roots      []string                // steps with no dependencies
	Levels     [][]string              // steps grouped by dependency depth

	index map[string]int
}

// BuildGraph validates a workflow definition and builds its dependency graph.
// Validation is complete before any step can be dispatched: unique and non-empty
// step IDs, provider and action present, known error policy, sane retry config,
// existing dependencies, and no cycles.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewValidationError(schema.ReasonSchema, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewValidationError(schema.ReasonEmptyWorkflow, "workflow %q has no steps", def.ID)
	}
	if !def.OnError.Valid() {
		return nil, schema.NewValidationError(schema.ReasonInvalidPolicy,
			"workflow %q has unknown on_error policy %q", def.ID, def.OnError)
	}

	g := &Graph{
		Steps:      make(map[string]*schema.Step, len(def.Steps)),
		Order:      make([]string, 0, len(def.Steps)),
		Deps:       make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
		index:      make(map[string]int, len(def.Steps)),
	}

	// First pass: register steps, reject duplicates and incomplete steps.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewValidationError(schema.ReasonEmptyID, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewValidationError(schema.ReasonDuplicateID, "duplicate step ID: %s", step.ID).
				WithStep(step.ID)
		}
		if err := validateStep(step); err != nil {
			return nil, err
		}
		g.Steps[step.ID] = step
		g.index[step.ID] = i
		g.Order = append(g.Order, step.ID)
	}

	// Second pass: adjacency, dangling references.
	for _, id := range g.Order {
		step := g.Steps[id]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewValidationError(schema.ReasonDanglingDependency,
					"step %s depends on non-existent step: %s", id, dep).
					WithStep(id).
					WithDetails(map[string]any{"dependency": dep})
			}
			if dep == id {
				return nil, schema.NewValidationError(schema.ReasonCycle, "step %s depends on itself", id).
					WithStep(id).
					WithDetails(map[string]any{"cycle": []string{id, id}})
			}
			if seen[dep] {
				return nil, schema.NewValidationError(schema.ReasonDuplicateDependency,
					"step %s lists dependency %s more than once", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
		g.Deps[id] = deps
		if len(deps) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}

	sorted, cycle := g.topoSort()
	if cycle != nil {
		return nil, schema.NewValidationError(schema.ReasonCycle,
			"workflow contains a cycle: %s", strings.Join(cycle, " -> ")).
			WithDetails(map[string]any{"cycle": cycle})
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// BuildPlan builds the graph of def without requiring its when expressions to
// be compiled. The result describes shape and order only and must not be run.
func BuildPlan(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return BuildGraph(nil)
	}
	shape := *def
	shape.Steps = make([]schema.Step, len(def.Steps))
	for i, st := range def.Steps {
		st.When = ""
		shape.Steps[i] = st
	}
	return BuildGraph(&shape)
}

// Position returns the declared index of a step.
func (g *Graph) Position(id string) int {
	return g.index[id]
}

// Transitive returns every step reachable from id through dependents, in declared order.
func (g *Graph) Transitive(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, d := range g.Dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, sid := range g.Order {
		if seen[sid] {
			out = append(out, sid)
		}
	}
	return out
}

const (
	unvisited = iota
	visiting
	visited
)

// topoSort runs a depth-first search over dependencies. It returns either the
// post-order (dependencies first) or the first cycle found.
func (g *Graph) topoSort() ([]string, []string) {
	color := make(map[string]int, len(g.Steps))
	sorted := make([]string, 0, len(g.Steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.Deps[id] {
			switch color[dep] {
			case visiting:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return false
			case unvisited:
				if !visit(dep) {
					return false
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = visited
		sorted = append(sorted, id)
		return true
	}

	for _, id := range g.Order {
		if color[id] == unvisited && !visit(id) {
			return nil, cycle
		}
	}
	return sorted, nil
}

// computeLevels groups steps into dependency levels.
// Steps at the same level have all dependencies in earlier levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Steps))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, dep := range g.Deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// validateStep checks per-step constraints that do not depend on other steps.
func validateStep(step *schema.Step) error {
	if step.Provider == "" {
		return schema.NewValidationError(schema.ReasonMissingProvider, "step %s has no provider", step.ID).
			WithStep(step.ID)
	}
	if step.Action == "" {
		return schema.NewValidationError(schema.ReasonMissingAction, "step %s has no action", step.ID).
			WithStep(step.ID)
	}
	if step.Retry != nil && (step.Retry.MaxRetries < 0 || step.Retry.BackoffMs < 0) {
		return schema.NewValidationError(schema.ReasonInvalidRetry,
			"step %s has negative retry settings (max_retries=%d, backoff_ms=%d)",
			step.ID, step.Retry.MaxRetries, step.Retry.BackoffMs).WithStep(step.ID)
	}
	if step.When != "" && step.Condition == nil {
		return schema.NewValidationError(schema.ReasonInvalidCondition,
			"step %s has an uncompiled when expression %q", step.ID, step.When).WithStep(step.ID)
	}
	return nil
}
