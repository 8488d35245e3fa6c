package dataflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/e3"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/storage/lock"
	"github.com/zond/e3/structs"
)

func eventTypes(events []structs.Event) []structs.EventType {
	var types []structs.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func eventsOf(state *structs.ExecutionState, typ structs.EventType) []structs.Event {
	var result []structs.Event
	for _, event := range state.Events {
		if event.Type == typ {
			result = append(result, event)
		}
	}
	return result
}

func TestSchedulerSingleTask(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{"x": "int", "tasks.double.output": "int"},
			[]testTask{{name: "double", inputs: []structs.Path{"x"}, output: "tasks.double.output"}})
		assign(t, r, "w", "x", "7")

		runner := &stubRunner{}
		state, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner})
		if err != nil {
			t.Fatal(err)
		}
		if state.Status != structs.ExecCompleted {
			t.Errorf("status = %s", state.Status)
		}
		want := []structs.EventType{
			structs.EventExecutionStarted,
			structs.EventTaskStarted,
			structs.EventTaskCompleted,
			structs.EventExecutionCompleted,
		}
		if diff := cmp.Diff(want, eventTypes(state.Events)); diff != "" {
			t.Errorf("event stream mismatch (-want +got):\n%s", diff)
		}
		completed := eventsOf(state, structs.EventTaskCompleted)[0]
		if completed.Cached {
			t.Error("first run reported cached")
		}
		ref, err := r.GetDatasetRef("w", "tasks.double.output")
		if err != nil {
			t.Fatal(err)
		}
		if ref.Kind != structs.RefValue || ref.Hash != completed.Output {
			t.Errorf("dataset ref %+v does not match completion output %s", ref, completed.Output)
		}
		if state.Counters.Executed != 1 || state.Counters.Cached+state.Counters.Failed+state.Counters.Skipped != 0 {
			t.Errorf("counters %+v", state.Counters)
		}
	})
}

func TestSchedulerEventSeqContiguous(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w", diamondDatasets(), diamondTasks())
		assign(t, r, "w", "a", "10")
		assign(t, r, "w", "b", "5")
		state, err := Start(context.Background(), r, "w", Options{Concurrency: 2, Runner: &stubRunner{}})
		if err != nil {
			t.Fatal(err)
		}
		for i, event := range state.Events {
			if event.Seq != uint64(i+1) {
				t.Fatalf("event %d has seq %d; stream not contiguous", i, event.Seq)
			}
		}
		if state.EventSeq != uint64(len(state.Events)) {
			t.Errorf("EventSeq = %d with %d events", state.EventSeq, len(state.Events))
		}
	})
}

func TestSchedulerDiamondOrdering(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w", diamondDatasets(), diamondTasks())
		assign(t, r, "w", "a", "10")
		assign(t, r, "w", "b", "5")
		runner := &stubRunner{}
		state, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner})
		if err != nil {
			t.Fatal(err)
		}
		// With concurrency 1 the launch order is exactly the topological
		// order, ties by name.
		if diff := cmp.Diff([]string{"left", "right", "merge"}, runner.callOrder()); diff != "" {
			t.Errorf("call order mismatch (-want +got):\n%s", diff)
		}
		completions := eventsOf(state, structs.EventTaskCompleted)
		if len(completions) != 3 || completions[2].Task != "merge" {
			t.Errorf("completions %+v", completions)
		}
	})
}

func TestSchedulerConcurrencyBound(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{
				"t1.out": "int", "t2.out": "int", "t3.out": "int", "t4.out": "int",
			},
			[]testTask{
				{name: "t1", output: "t1.out"},
				{name: "t2", output: "t2.out"},
				{name: "t3", output: "t3.out"},
				{name: "t4", output: "t4.out"},
			})
		block := make(chan struct{})
		started := make(chan string, 4)
		runner := &stubRunner{block: block, started: started}
		done := make(chan error, 1)
		go func() {
			_, err := Start(context.Background(), r, "w", Options{Concurrency: 2, Runner: runner})
			done <- err
		}()
		// Exactly two tasks may begin while the rest hold back.
		<-started
		<-started
		select {
		case name := <-started:
			t.Errorf("task %s started beyond the concurrency bound", name)
		case <-time.After(200 * time.Millisecond):
		}
		close(block)
		<-started
		<-started
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		runner.mu.Lock()
		peak := runner.peak
		runner.mu.Unlock()
		if peak > 2 {
			t.Errorf("peak parallelism %d with bound 2", peak)
		}
	})
}

func TestSchedulerFailurePropagation(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w", diamondDatasets(), diamondTasks())
		assign(t, r, "w", "a", "10")
		assign(t, r, "w", "b", "5")
		runner := &stubRunner{failWith: map[string]int{"right": 1}}
		state, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner})
		if err != nil {
			t.Fatal(err)
		}
		if state.Status != structs.ExecFailed {
			t.Errorf("status = %s", state.Status)
		}
		if state.Tasks["left"].Status != structs.TaskCompleted {
			t.Errorf("left = %s", state.Tasks["left"].Status)
		}
		if state.Tasks["right"].Status != structs.TaskFailed || state.Tasks["right"].ExitCode != 1 {
			t.Errorf("right = %+v", state.Tasks["right"])
		}
		if state.Tasks["merge"].Status != structs.TaskSkipped || state.Tasks["merge"].Cause != "right" {
			t.Errorf("merge = %+v", state.Tasks["merge"])
		}
		failed := eventsOf(state, structs.EventTaskFailed)
		if len(failed) != 1 || failed[0].ExitCode != 1 {
			t.Errorf("failed events %+v", failed)
		}
		skipped := eventsOf(state, structs.EventTaskSkipped)
		if len(skipped) != 1 || skipped[0].Cause != "right" {
			t.Errorf("skipped events %+v", skipped)
		}
		want := structs.Counters{Executed: 1, Failed: 1, Skipped: 1}
		if diff := cmp.Diff(want, state.Counters); diff != "" {
			t.Errorf("counters mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSchedulerContention(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{"out": "int"},
			[]testTask{{name: "gen", output: "out"}})
		handle, err := r.LockWorkspace("w", "start", lock.Options{})
		if err != nil {
			t.Fatal(err)
		}
		defer handle.Release()
		_, err = Start(context.Background(), r, "w", Options{Runner: &stubRunner{}})
		if !e3.IsKind(err, e3.WorkspaceLocked) {
			t.Errorf("contended start = %v", err)
		}
	})
}

func TestSchedulerMissingExternalInput(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{"x": "int", "out": "int"},
			[]testTask{{name: "t", inputs: []structs.Path{"x"}, output: "out"}})
		_, err := Start(context.Background(), r, "w", Options{Runner: &stubRunner{}})
		if !e3.IsKind(err, e3.DataflowError) {
			t.Errorf("start with unassigned external input = %v", err)
		}
	})
}

func TestSchedulerFilter(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w", diamondDatasets(), diamondTasks())
		assign(t, r, "w", "a", "10")
		assign(t, r, "w", "b", "5")
		runner := &stubRunner{}
		state, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner, Filter: []string{"left"}})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"left"}, runner.callOrder()); diff != "" {
			t.Errorf("filtered call order mismatch (-want +got):\n%s", diff)
		}
		if len(state.Tasks) != 1 {
			t.Errorf("filtered execution tracks %d tasks", len(state.Tasks))
		}
	})
}

func TestSchedulerCancellation(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{"out": "int"},
			[]testTask{{name: "slow", output: "out"}})
		block := make(chan struct{})
		started := make(chan string, 1)
		runner := &stubRunner{block: block, started: started}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		var state *structs.ExecutionState
		go func() {
			var err error
			state, err = Start(ctx, r, "w", Options{Concurrency: 1, Runner: runner})
			done <- err
		}()
		<-started
		cancel()
		err := <-done
		if !e3.IsKind(err, e3.DataflowAborted) {
			t.Fatalf("cancelled start = %v", err)
		}
		if state.Status != structs.ExecCancelled {
			t.Errorf("status = %s", state.Status)
		}
		if len(eventsOf(state, structs.EventExecutionCancelled)) != 1 {
			t.Error("no execution_cancelled event")
		}
	})
}

func TestSchedulerForceReruns(t *testing.T) {
	withRepo(t, func(r *storage.Repository) {
		deployTestPackage(t, r, "w",
			map[structs.Path]structs.Type{"x": "int", "out": "int"},
			[]testTask{{name: "t", inputs: []structs.Path{"x"}, output: "out"}})
		assign(t, r, "w", "x", "7")
		runner := &stubRunner{}
		if _, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner}); err != nil {
			t.Fatal(err)
		}
		if _, err := Start(context.Background(), r, "w", Options{Concurrency: 1, Runner: runner, Force: true}); err != nil {
			t.Fatal(err)
		}
		if calls := runner.callOrder(); len(calls) != 2 {
			t.Errorf("force rerun called runner %d times", len(calls))
		}
	})
}
