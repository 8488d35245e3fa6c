package dataflow

import (
	"context"
	"runtime"
	"time"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/heap"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/storage/execstate"
	"github.com/zond/e3/storage/lock"
	"github.com/zond/e3/structs"
)

// Options configures one dataflow execution.
type Options struct {
	// Concurrency bounds in-progress runners; defaults to NumCPU.
	Concurrency int
	// Force bypasses the memoization index.
	Force bool
	// Filter restricts execution to the named tasks and their transitive
	// dependencies.
	Filter []string
	// Grace is how long cancelled runners get between SIGTERM and SIGKILL.
	Grace time.Duration
	// LockWait makes lock acquisition block up to LockTimeout instead of
	// failing fast.
	LockWait    bool
	LockTimeout time.Duration
	// Store overrides the execution state backend; defaults to the
	// per-workspace state file.
	Store execstate.Store
	// Runner overrides task execution, for tests.
	Runner Runner
}

// Start plans and runs the dataflow of a workspace. It holds the workspace
// lock for the whole execution, so dataset writes are totally ordered even
// though completions arrive concurrently. The returned state reflects the
// persisted execution, including its full event stream.
func Start(ctx context.Context, repo *storage.Repository, workspace string, opts Options) (*structs.ExecutionState, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Store == nil {
		opts.Store = execstate.NewFileStore(repo.Dir())
	}
	if opts.Runner == nil {
		opts.Runner = &SubprocessRunner{Repo: repo, Grace: opts.Grace}
	}

	handle, err := repo.LockWorkspace(workspace, "start", lock.Options{Wait: opts.LockWait, Timeout: opts.LockTimeout})
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	wsState, err := repo.GetWorkspaceState(workspace)
	if err != nil {
		return nil, err
	}
	graph, err := Plan(repo, wsState)
	if err != nil {
		return nil, err
	}
	if graph, err = Restrict(graph, opts.Filter); err != nil {
		return nil, err
	}
	for _, task := range graph.Tasks {
		for _, input := range task.External {
			ref, err := repo.GetDatasetRef(workspace, input)
			if err != nil {
				return nil, err
			}
			if ref.Kind != structs.RefValue {
				return nil, e3.Errf(e3.DataflowError, "external input %q of task %q has no value", input, task.Name)
			}
		}
	}

	id, err := opts.Store.NextExecutionID(ctx, workspace)
	if err != nil {
		return nil, err
	}
	e := &execution{
		ctx:       ctx,
		repo:      repo,
		store:     opts.Store,
		runner:    opts.Runner,
		workspace: workspace,
		id:        id,
		opts:      opts,
		graph:     graph,
		order:     map[string]int{},
		statuses:  map[string]*structs.TaskState{},
		ready:     nil,
		results:   make(chan Result, len(graph.Tasks)),
	}
	e.ready = heap.New[string](func(a, b string) bool { return e.order[a] < e.order[b] })

	tasks := map[string]*structs.TaskState{}
	for i, task := range graph.Tasks {
		e.order[task.Name] = i
		ts := &structs.TaskState{Name: task.Name, Status: structs.TaskPending}
		e.statuses[task.Name] = ts
		tasks[task.Name] = ts
	}
	if err := opts.Store.Create(ctx, &structs.ExecutionState{
		ID:          id,
		Workspace:   workspace,
		StartedAt:   structs.Stamp(time.Now()),
		Concurrency: opts.Concurrency,
		Force:       opts.Force,
		Filter:      opts.Filter,
		Graph:       graph,
		Tasks:       tasks,
		Status:      structs.ExecRunning,
	}); err != nil {
		return nil, err
	}
	repo.Audit().Log(storage.AuditExecutionStart{
		Workspace:   workspace,
		Execution:   id,
		Concurrency: opts.Concurrency,
		Force:       opts.Force,
	})
	if err := e.emit(structs.Event{Type: structs.EventExecutionStarted}); err != nil {
		return nil, err
	}

	if err := e.run(); err != nil {
		return nil, err
	}
	final, err := opts.Store.Read(ctx, workspace, id)
	if err != nil {
		return nil, err
	}
	repo.Audit().Log(storage.AuditExecutionEnd{
		Workspace: workspace,
		Execution: id,
		Status:    string(final.Status),
		Executed:  final.Counters.Executed,
		Cached:    final.Counters.Cached,
		Failed:    final.Counters.Failed,
		Skipped:   final.Counters.Skipped,
	})
	if final.Status == structs.ExecCancelled {
		return final, e3.Errf(e3.DataflowAborted, "execution %s cancelled", id)
	}
	return final, nil
}

// execution is the scheduler's working state. The loop is a single
// cooperative task: runner goroutines only execute subprocesses and report
// results over the channel, so scheduler state needs no locking.
type execution struct {
	ctx        context.Context
	repo       *storage.Repository
	store      execstate.Store
	runner     Runner
	workspace  string
	id         string
	opts       Options
	graph      *structs.Graph
	order      map[string]int
	statuses   map[string]*structs.TaskState
	ready      *heap.Heap[string]
	results    chan Result
	inProgress int
	counters   structs.Counters
}

func (e *execution) run() error {
	for _, task := range e.graph.Tasks {
		if len(task.DependsOn) == 0 {
			if err := e.transition(task.Name, structs.TaskReady, nil); err != nil {
				return err
			}
			e.ready.Push(task.Name)
		}
	}

	for {
		for e.inProgress < e.opts.Concurrency {
			name, ok := e.ready.Pop()
			if !ok {
				break
			}
			if err := e.launch(name); err != nil {
				return err
			}
		}
		if e.inProgress == 0 {
			break
		}
		select {
		case result := <-e.results:
			e.inProgress--
			if err := e.finish(result); err != nil {
				return err
			}
		case <-e.ctx.Done():
			return e.cancelled()
		}
	}

	status := structs.ExecCompleted
	if e.counters.Failed > 0 {
		status = structs.ExecFailed
	}
	if err := e.emit(structs.Event{Type: structs.EventExecutionCompleted, Message: string(status)}); err != nil {
		return err
	}
	return e.store.UpdateStatus(e.ctx, e.workspace, e.id, status, e.counters, structs.Stamp(time.Now()))
}

// cancelled drains in-progress runners (their subprocesses receive SIGTERM
// through the shared context, SIGKILL after the grace window), then durably
// flushes terminal state.
func (e *execution) cancelled() error {
	for e.inProgress > 0 {
		result := <-e.results
		e.inProgress--
		_ = e.transition(result.Task, structs.TaskFailed, func(ts *structs.TaskState) {
			ts.Message = "cancelled"
			ts.CompletedAt = structs.Stamp(time.Now())
		})
	}
	if err := e.emit(structs.Event{Type: structs.EventExecutionCancelled}); err != nil {
		return err
	}
	return e.store.UpdateStatus(context.Background(), e.workspace, e.id, structs.ExecCancelled, e.counters, structs.Stamp(time.Now()))
}

func (e *execution) emit(event structs.Event) error {
	event.At = structs.Stamp(time.Now())
	// Persisted before the next state transition: observers never see the
	// state advance without the corresponding event.
	_, err := e.store.RecordEvent(contextOrBackground(e.ctx), e.workspace, e.id, event)
	return err
}

// contextOrBackground keeps persistence working while cancelling.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

func (e *execution) transition(name string, status structs.TaskRunState, mutate func(*structs.TaskState)) error {
	ts := e.statuses[name]
	if ts.Status.Terminal() {
		return nil
	}
	ts.Status = status
	if mutate != nil {
		mutate(ts)
	}
	clone := *ts
	return e.store.UpdateTaskStatus(contextOrBackground(e.ctx), e.workspace, e.id, &clone)
}

func (e *execution) launch(name string) error {
	task := e.graph.Task(name)
	probe, err := e.cacheProbe(task)
	if err != nil {
		return err
	}
	if probe != nil {
		// Cache hit: the task completes without ever being in progress.
		return e.finishSuccess(*probe)
	}
	if err := e.emit(structs.Event{Type: structs.EventTaskStarted, Task: name}); err != nil {
		return err
	}
	if err := e.transition(name, structs.TaskInProgress, func(ts *structs.TaskState) {
		ts.StartedAt = structs.Stamp(time.Now())
	}); err != nil {
		return err
	}
	e.inProgress++
	go func() {
		e.results <- e.runner.Execute(e.ctx, e.workspace, task, e.opts.Force)
	}()
	return nil
}

// cacheProbe consults the memoization index before a task is started. A hit
// yields a completed result with zero duration and no new execution record.
func (e *execution) cacheProbe(task *structs.GraphTask) (*Result, error) {
	if e.opts.Force {
		return nil, nil
	}
	inputHashes := make([]digest.Hash, 0, len(task.Inputs))
	for _, input := range task.Inputs {
		ref, err := e.repo.GetDatasetRef(e.workspace, input)
		if err != nil {
			return nil, err
		}
		if ref.Kind != structs.RefValue {
			return nil, nil
		}
		inputHashes = append(inputHashes, ref.Hash)
	}
	inputsHash := digest.InputsHash(inputHashes)
	output, hit, err := e.repo.LatestOutput(task.Hash, inputsHash)
	if err != nil || !hit {
		return nil, err
	}
	return &Result{
		Task:        task.Name,
		Outcome:     structs.OutcomeSuccess,
		Cached:      true,
		Output:      output,
		InputHashes: inputHashes,
		InputsHash:  inputsHash,
	}, nil
}

func (e *execution) finish(result Result) error {
	switch result.Outcome {
	case structs.OutcomeSuccess:
		return e.finishSuccess(result)
	default:
		return e.finishFailure(result)
	}
}

func (e *execution) finishSuccess(result Result) error {
	task := e.graph.Task(result.Task)
	if err := e.emit(structs.Event{
		Type:     structs.EventTaskCompleted,
		Task:     result.Task,
		Cached:   result.Cached,
		Output:   result.Output,
		Duration: result.Duration.Milliseconds(),
	}); err != nil {
		return err
	}
	// The workspace lock is held for the whole execution, so this write is
	// serialized with every other dataset mutation.
	if err := e.repo.UpdateDatasetRef(e.workspace, task.Output, structs.ValueRef(result.Output)); err != nil {
		return err
	}
	if result.Cached {
		e.counters.Cached++
	} else {
		e.counters.Executed++
		now := structs.Stamp(time.Now())
		if err := e.repo.RecordExecution(task.Hash, result.InputsHash, &structs.ExecutionStatus{
			ExecutionID: result.ExecutionID,
			Outcome:     structs.OutcomeSuccess,
			InputHashes: result.InputHashes,
			Output:      result.Output,
			StartedAt:   structs.Timestamp(uint64(now) - uint64(result.Duration.Nanoseconds())),
			CompletedAt: now,
		}); err != nil {
			return err
		}
	}
	if err := e.transition(result.Task, structs.TaskCompleted, func(ts *structs.TaskState) {
		ts.Cached = result.Cached
		ts.Output = result.Output
		ts.CompletedAt = structs.Stamp(time.Now())
	}); err != nil {
		return err
	}
	return e.promoteDependents(result.Task)
}

// promoteDependents readies every downstream task whose dependencies have
// now all completed.
func (e *execution) promoteDependents(completed string) error {
	for _, task := range e.graph.Tasks {
		if e.statuses[task.Name].Status != structs.TaskPending || !contains(task.DependsOn, completed) {
			continue
		}
		satisfied := true
		for _, dep := range task.DependsOn {
			if e.statuses[dep].Status != structs.TaskCompleted {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if err := e.transition(task.Name, structs.TaskReady, nil); err != nil {
			return err
		}
		e.ready.Push(task.Name)
	}
	return nil
}

func (e *execution) finishFailure(result Result) error {
	event := structs.Event{
		Type:     structs.EventTaskFailed,
		Task:     result.Task,
		Duration: result.Duration.Milliseconds(),
	}
	if result.Outcome == structs.OutcomeFailed {
		event.ExitCode = result.ExitCode
	}
	event.Message = result.Message
	if err := e.emit(event); err != nil {
		return err
	}
	if result.ExecutionID != "" {
		now := structs.Stamp(time.Now())
		task := e.graph.Task(result.Task)
		if err := e.repo.RecordExecution(task.Hash, result.InputsHash, &structs.ExecutionStatus{
			ExecutionID: result.ExecutionID,
			Outcome:     result.Outcome,
			InputHashes: result.InputHashes,
			ExitCode:    result.ExitCode,
			Message:     result.Message,
			StartedAt:   structs.Timestamp(uint64(now) - uint64(result.Duration.Nanoseconds())),
			CompletedAt: now,
		}); err != nil {
			return err
		}
	}
	e.counters.Failed++
	if err := e.transition(result.Task, structs.TaskFailed, func(ts *structs.TaskState) {
		ts.ExitCode = result.ExitCode
		ts.Message = result.Message
		ts.CompletedAt = structs.Stamp(time.Now())
	}); err != nil {
		return err
	}
	return e.skipDescendants(result.Task)
}

// skipDescendants marks every task reachable downstream of the failing task
// as skipped, with the failing task as cause.
func (e *execution) skipDescendants(failed string) error {
	queue := []string{failed}
	seen := e3.Set[string]{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, task := range e.graph.Tasks {
			if seen.Has(task.Name) || !contains(task.DependsOn, current) {
				continue
			}
			seen.Set(task.Name)
			queue = append(queue, task.Name)
			if e.statuses[task.Name].Status.Terminal() {
				continue
			}
			if err := e.emit(structs.Event{
				Type:  structs.EventTaskSkipped,
				Task:  task.Name,
				Cause: failed,
			}); err != nil {
				return err
			}
			e.counters.Skipped++
			if err := e.transition(task.Name, structs.TaskSkipped, func(ts *structs.TaskState) {
				ts.Cause = failed
				ts.CompletedAt = structs.Stamp(time.Now())
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(list []string, name string) bool {
	for _, entry := range list {
		if entry == name {
			return true
		}
	}
	return false
}
