// Package taskgraph builds the dependency graph of a task list, detects
// cycles and dangling references, and selects the next task for a worker.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/conductor/internal/model"
)

// CycleError reports every task that sits on a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among tasks [%s]", strings.Join(e.Members, ", "))
}

// MissingError reports a blockedBy reference to a task that does not exist.
type MissingError struct {
	TaskID    string
	MissingID string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("task %s is blocked by unknown task %s", e.TaskID, e.MissingID)
}

type Graph struct {
	tasks map[string]model.Task
	order []string
	// deps maps a task to the tasks it waits on, merged from its own
	// blockedBy and every other task's blocks.
	deps map[string][]string

	cycle   map[string]bool
	missing map[string]string
}

func Build(tasks []model.Task) *Graph {
	g := &Graph{
		tasks:   make(map[string]model.Task, len(tasks)),
		deps:    make(map[string][]string, len(tasks)),
		cycle:   make(map[string]bool),
		missing: make(map[string]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	sort.Slice(g.order, func(i, j int) bool {
		return model.CompareIDs(g.order[i], g.order[j]) < 0
	})

	seen := make(map[[2]string]bool)
	addEdge := func(from, on string) {
		key := [2]string{from, on}
		if seen[key] {
			return
		}
		seen[key] = true
		g.deps[from] = append(g.deps[from], on)
	}
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.BlockedBy {
			addEdge(id, dep)
		}
		for _, blocked := range t.Blocks {
			// a blocks edge to an unknown task constrains nothing
			if _, ok := g.tasks[blocked]; ok {
				addEdge(blocked, id)
			}
		}
	}

	g.findMissing()
	g.findCycles()
	return g
}

func (g *Graph) findMissing() {
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if _, ok := g.tasks[dep]; !ok {
				g.missing[id] = dep
				break
			}
		}
	}
}

// findCycles marks every task in a strongly connected component of size
// greater than one, or with a self edge, using Tarjan's DFS.
func (g *Graph) findCycles() {
	index := make(map[string]int, len(g.tasks))
	low := make(map[string]int, len(g.tasks))
	onStack := make(map[string]bool, len(g.tasks))
	var stack []string
	next := 0

	var visit func(id string)
	visit = func(id string) {
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		selfLoop := false
		for _, dep := range g.deps[id] {
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			if dep == id {
				selfLoop = true
			}
			if _, seen := index[dep]; !seen {
				visit(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}

		if low[id] != index[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			for _, member := range component {
				g.cycle[member] = true
			}
		}
	}

	for _, id := range g.order {
		if _, seen := index[id]; !seen {
			visit(id)
		}
	}
}

// Validate returns a *CycleError when any cycle exists, otherwise a
// *MissingError for the first dangling reference, otherwise nil.
func (g *Graph) Validate() error {
	if len(g.cycle) > 0 {
		return &CycleError{Members: g.CycleMembers()}
	}
	for _, id := range g.order {
		if dep, ok := g.missing[id]; ok {
			return &MissingError{TaskID: id, MissingID: dep}
		}
	}
	return nil
}

// CycleMembers lists tasks on any cycle in id order.
func (g *Graph) CycleMembers() []string {
	var members []string
	for _, id := range g.order {
		if g.cycle[id] {
			members = append(members, id)
		}
	}
	return members
}

// Eligible lists tasks that are pending, unowned, and whose every blocker
// is completed, in id order.
func (g *Graph) Eligible() []model.Task {
	var out []model.Task
	for _, id := range g.order {
		if g.eligible(id) {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

func (g *Graph) eligible(id string) bool {
	t := g.tasks[id]
	if t.Status != model.TaskPending || t.Owner != "" {
		return false
	}
	if g.cycle[id] {
		return false
	}
	if _, ok := g.missing[id]; ok {
		return false
	}
	for _, dep := range g.deps[id] {
		if g.tasks[dep].Status != model.TaskCompleted {
			return false
		}
	}
	return true
}

func (g *Graph) Task(id string) (model.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}
