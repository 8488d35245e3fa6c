// Package dataflow plans and executes the task graph of a workspace: a
// deterministic planner, a bounded-concurrency scheduler with memoized
// subprocess runners, and an append-only event stream.
package dataflow

import (
	"sort"
	"strings"

	"github.com/zond/e3"
	"github.com/zond/e3/heap"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/structs"
)

// Plan derives the dataflow graph from a workspace state: one node per task,
// edges wherever one task's output path feeds another's input. The returned
// graph is in topological order with ties broken by task name ascending, so
// planning is deterministic for a fixed state.
func Plan(r *storage.Repository, state *structs.WorkspaceState) (*structs.Graph, error) {
	names := state.TaskNames()
	tasks := map[string]*structs.Task{}
	producers := map[structs.Path]string{}
	for _, name := range names {
		task, err := storage.GetStruct[structs.Task](r, state.TaskMap[name])
		if err != nil {
			return nil, err
		}
		if state.Structure.At(task.Output) == nil {
			return nil, e3.Errf(e3.DataflowError, "task %q outputs to unknown path %q", name, task.Output)
		}
		if other, found := producers[task.Output]; found {
			return nil, e3.Errf(e3.DataflowError, "tasks %q and %q both output to %q", other, name, task.Output)
		}
		producers[task.Output] = name
		tasks[name] = task
	}

	nodes := map[string]*structs.GraphTask{}
	for _, name := range names {
		task := tasks[name]
		node := &structs.GraphTask{
			Name:   name,
			Hash:   state.TaskMap[name],
			Inputs: task.Inputs,
			Output: task.Output,
		}
		dependsOn := e3.Set[string]{}
		for _, input := range task.Inputs {
			if state.Structure.At(input) == nil {
				return nil, e3.Errf(e3.DataflowError, "task %q reads unknown path %q", name, input)
			}
			if producer, found := producers[input]; found {
				dependsOn.Set(producer)
				continue
			}
			// An external input subtree must not overlap any produced
			// dataset: that would make the path both external data and
			// task output at once.
			for output, producer := range producers {
				if pathContains(input, output) || pathContains(output, input) {
					return nil, e3.Errf(e3.DataflowError,
						"input %q of task %q is both external and the output of task %q", input, name, producer)
				}
			}
			node.External = append(node.External, input)
		}
		for dep := range dependsOn {
			node.DependsOn = append(node.DependsOn, dep)
		}
		sort.Strings(node.DependsOn)
		sort.Slice(node.External, func(i, j int) bool { return node.External[i] < node.External[j] })
		nodes[name] = node
	}

	ordered, err := topoSort(names, nodes)
	if err != nil {
		return nil, err
	}
	graph := &structs.Graph{Tasks: make([]structs.GraphTask, 0, len(ordered))}
	for _, name := range ordered {
		graph.Tasks = append(graph.Tasks, *nodes[name])
	}
	return graph, nil
}

// pathContains reports whether child is equal to or below parent.
func pathContains(parent, child structs.Path) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(string(child), string(parent)+".")
}

// topoSort is Kahn's algorithm with a name-ordered heap, so ties always
// break the same way.
func topoSort(names []string, nodes map[string]*structs.GraphTask) ([]string, error) {
	degree := map[string]int{}
	dependents := map[string][]string{}
	for _, name := range names {
		degree[name] = len(nodes[name].DependsOn)
		for _, dep := range nodes[name].DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	ready := heap.New[string](func(a, b string) bool { return a < b })
	for _, name := range names {
		if degree[name] == 0 {
			ready.Push(name)
		}
	}
	var ordered []string
	for {
		name, ok := ready.Pop()
		if !ok {
			break
		}
		ordered = append(ordered, name)
		for _, dependent := range dependents[name] {
			degree[dependent]--
			if degree[dependent] == 0 {
				ready.Push(dependent)
			}
		}
	}
	if len(ordered) != len(names) {
		var stuck []string
		for _, name := range names {
			if degree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, e3.Errf(e3.DataflowError, "cycle: %s", strings.Join(stuck, ", "))
	}
	return ordered, nil
}

// Restrict trims a graph to the named tasks and their transitive
// dependencies, keeping topological order.
func Restrict(graph *structs.Graph, filter []string) (*structs.Graph, error) {
	if len(filter) == 0 {
		return graph, nil
	}
	keep := e3.Set[string]{}
	var include func(name string) error
	include = func(name string) error {
		if keep.Has(name) {
			return nil
		}
		node := graph.Task(name)
		if node == nil {
			return e3.Errf(e3.TaskNotFound, "task %q", name)
		}
		keep.Set(name)
		for _, dep := range node.DependsOn {
			if err := include(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range filter {
		if err := include(name); err != nil {
			return nil, err
		}
	}
	restricted := &structs.Graph{}
	for _, node := range graph.Tasks {
		if keep.Has(node.Name) {
			restricted.Tasks = append(restricted.Tasks, node)
		}
	}
	return restricted, nil
}
