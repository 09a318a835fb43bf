package engine

import (
	"fmt"
	"strings"
)

// StepGraph is the dependency graph of a workflow's steps.
// Steps within one level have no dependencies on each other.
type StepGraph struct {
	// steps maps step IDs to their declaration
	steps map[string]*Step

	// index is the declaration position of each step
	index map[string]int

	// adjacencyList maps step IDs to the steps that depend on them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps step IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unmet dependencies for each step
	inDegree map[string]int

	// levels holds step IDs per execution level in declaration order
	levels [][]string
}

// BuildStepGraph validates dependencies, detects cycles and computes levels.
func BuildStepGraph(steps []Step) (*StepGraph, error) {
	g := &StepGraph{
		steps:                make(map[string]*Step, len(steps)),
		index:                make(map[string]int, len(steps)),
		adjacencyList:        make(map[string][]string, len(steps)),
		reverseAdjacencyList: make(map[string][]string, len(steps)),
		inDegree:             make(map[string]int, len(steps)),
		levels:               make([][]string, 0),
	}
	if len(steps) == 0 {
		return g, nil
	}

	if err := g.initialize(steps); err != nil {
		return nil, err
	}
	if err := g.detectCycles(steps); err != nil {
		return nil, err
	}
	if err := g.computeLevels(steps); err != nil {
		return nil, err
	}
	return g, nil
}

// OrderSteps returns steps in a topological order of dependsOn,
// ties broken by declaration order.
func OrderSteps(steps []Step) ([]Step, error) {
	g, err := BuildStepGraph(steps)
	if err != nil {
		return nil, err
	}

	ordered := make([]Step, 0, len(steps))
	for _, level := range g.levels {
		for _, id := range level {
			ordered = append(ordered, *g.steps[id])
		}
	}
	return ordered, nil
}

func (g *StepGraph) initialize(steps []Step) error {
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return NewPermanentError(fmt.Sprintf("step %d has empty ID", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.steps[step.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate step ID: %s", step.ID), nil).
				WithCode(ErrCodeValidation)
		}

		g.steps[step.ID] = step
		g.index[step.ID] = i
		g.adjacencyList[step.ID] = make([]string, 0)
		g.reverseAdjacencyList[step.ID] = make([]string, 0)
		g.inDegree[step.ID] = 0
	}

	for i := range steps {
		step := &steps[i]
		for _, dep := range step.DependsOn {
			if _, exists := g.steps[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on non-existent step %s", step.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(step.ID)
			}

			// dependency must run before step
			g.adjacencyList[dep] = append(g.adjacencyList[dep], step.ID)
			g.reverseAdjacencyList[step.ID] = append(g.reverseAdjacencyList[step.ID], dep)
			g.inDegree[step.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search from each step in declaration order.
func (g *StepGraph) detectCycles(steps []Step) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for i := range steps {
		id := steps[i].ID
		if visited[id] {
			continue
		}
		if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

func (g *StepGraph) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range g.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels runs Kahn's algorithm level by level. Each level keeps
// declaration order so that execution order is deterministic.
func (g *StepGraph) computeLevels(steps []Step) error {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for i := range steps {
		if inDegree[steps[i].ID] == 0 {
			current = append(current, steps[i].ID)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		processed += len(current)

		ready := make(map[string]bool)
		for _, id := range current {
			for _, dependent := range g.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready[dependent] = true
				}
			}
		}

		next := make([]string, 0, len(ready))
		for i := range steps {
			if ready[steps[i].ID] {
				next = append(next, steps[i].ID)
			}
		}
		current = next
	}

	if processed != len(g.steps) {
		return NewPermanentError("failed to order all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// Levels returns step IDs grouped by execution level.
func (g *StepGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Dependencies returns the IDs a step depends on.
func (g *StepGraph) Dependencies(id string) []string {
	return append([]string(nil), g.reverseAdjacencyList[id]...)
}

// Dependents returns the IDs that depend on a step.
func (g *StepGraph) Dependents(id string) []string {
	return append([]string(nil), g.adjacencyList[id]...)
}

// ToDOT generates a DOT format representation of the graph.
// The output can be rendered with Graphviz tools.
func (g *StepGraph) ToDOT(name string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			step := g.steps[id]
			label := fmt.Sprintf("%s\\n%s", step.ID, step.Action)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, stepColor(step)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, level := range g.levels {
		for _, id := range level {
			for _, dep := range g.reverseAdjacencyList[id] {
				sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func stepColor(step *Step) string {
	switch {
	case step.Remote:
		return "lightblue"
	case step.ContinueOnError:
		return "lightyellow"
	default:
		return "lightgreen"
	}
}
