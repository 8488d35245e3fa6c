package dataflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zond/e3/digest"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/structs"
)

func withRepo(t *testing.T, f func(r *storage.Repository)) {
	t.Helper()
	r, err := storage.Create(filepath.Join(t.TempDir(), "repo"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	f(r)
}

func buildStructure(datasets map[structs.Path]structs.Type) *structs.Structure {
	root := &structs.Structure{Fields: map[string]*structs.Structure{}}
	for path, typ := range datasets {
		node := root
		fields := path.Fields()
		for i, field := range fields {
			if i == len(fields)-1 {
				node.Fields[field] = &structs.Structure{Type: typ}
				continue
			}
			child, found := node.Fields[field]
			if !found {
				child = &structs.Structure{Fields: map[string]*structs.Structure{}}
				node.Fields[field] = child
			}
			node = child
		}
	}
	return root
}

func buildTree(t *testing.T, r *storage.Repository, structure *structs.Structure) digest.Hash {
	t.Helper()
	if structure.IsValue() {
		h, err := r.PutStruct(structs.LeafNode(structs.Unassigned()))
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	fields := map[string]digest.Hash{}
	for name, child := range structure.Fields {
		fields[name] = buildTree(t, r, child)
	}
	h, err := r.PutStruct(structs.StructNode(fields))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

type testTask struct {
	name   string
	source string
	inputs []structs.Path
	output structs.Path
}

// deployTestPackage registers a package built from the given tasks and
// deploys it into a fresh workspace.
func deployTestPackage(t *testing.T, r *storage.Repository, workspace string, datasets map[structs.Path]structs.Type, tasks []testTask) {
	t.Helper()
	structure := buildStructure(datasets)
	rootTree := buildTree(t, r, structure)
	taskMap := map[string]digest.Hash{}
	for _, task := range tasks {
		source := task.source
		if source == "" {
			source = "true"
		}
		irHash, err := r.PutStruct(&structs.CommandIR{Lang: structs.CommandLangShell, Source: source})
		if err != nil {
			t.Fatal(err)
		}
		taskHash, err := r.PutStruct(&structs.Task{
			CommandIR: irHash,
			Inputs:    task.inputs,
			Output:    task.output,
		})
		if err != nil {
			t.Fatal(err)
		}
		taskMap[task.name] = taskHash
	}
	pkgHash, err := r.PutStruct(&structs.Package{
		Tasks:     taskMap,
		Structure: structure,
		RootTree:  rootTree,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterPackage("test", "1.0.0", pkgHash); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateWorkspace(workspace); err != nil {
		t.Fatal(err)
	}
	if err := r.Deploy(workspace, "test", ""); err != nil {
		t.Fatal(err)
	}
}

func assign(t *testing.T, r *storage.Repository, workspace string, path structs.Path, value string) digest.Hash {
	t.Helper()
	h, err := r.Put([]byte(value), storage.BinExt)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetDatasetRef(workspace, path, structs.ValueRef(h)); err != nil {
		t.Fatal(err)
	}
	return h
}

// diamondDatasets and diamondTasks mirror the canonical diamond: two
// external inputs fanning out to left and right, merged at the end.
func diamondDatasets() map[structs.Path]structs.Type {
	return map[structs.Path]structs.Type{
		"a":                  "int",
		"b":                  "int",
		"tasks.left.output":  "int",
		"tasks.right.output": "int",
		"tasks.merge.output": "int",
	}
}

func diamondTasks() []testTask {
	return []testTask{
		{name: "left", inputs: []structs.Path{"a", "b"}, output: "tasks.left.output",
			source: `sh -c "printf %d $(( $(cat $in0) + $(cat $in1) )) > $out"`},
		{name: "right", inputs: []structs.Path{"a", "b"}, output: "tasks.right.output",
			source: `sh -c "printf %d $(( $(cat $in0) * $(cat $in1) )) > $out"`},
		{name: "merge", inputs: []structs.Path{"tasks.left.output", "tasks.right.output"}, output: "tasks.merge.output",
			source: `sh -c "printf %d $(( $(cat $in0) + $(cat $in1) )) > $out"`},
	}
}

// stubRunner returns canned results and records call order and peak
// parallelism.
type stubRunner struct {
	mu       sync.Mutex
	results  map[string]Result
	calls    []string
	active   int
	peak     int
	block    chan struct{} // when non-nil, Execute waits for close or ctx
	started  chan string   // when non-nil, receives task names as they begin
	failWith map[string]int
}

func (s *stubRunner) Execute(ctx context.Context, workspace string, task *structs.GraphTask, force bool) Result {
	s.mu.Lock()
	s.calls = append(s.calls, task.Name)
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	block := s.block
	s.mu.Unlock()
	if s.started != nil {
		s.started <- task.Name
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			return Result{Task: task.Name, Outcome: structs.OutcomeError, Message: "cancelled"}
		}
	}
	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	if code, found := s.failWith[task.Name]; found {
		id, _ := structs.NewExecutionID()
		return Result{
			Task:        task.Name,
			Outcome:     structs.OutcomeFailed,
			ExitCode:    code,
			ExecutionID: id,
			InputsHash:  digest.InputsHash(nil),
		}
	}
	if result, found := s.results[task.Name]; found {
		result.Task = task.Name
		return result
	}
	id, _ := structs.NewExecutionID()
	return Result{
		Task:        task.Name,
		Outcome:     structs.OutcomeSuccess,
		Output:      digest.Sum([]byte(task.Name + " output")),
		ExecutionID: id,
		InputsHash:  digest.InputsHash(nil),
	}
}

func (s *stubRunner) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}
