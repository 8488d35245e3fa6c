package dataflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/ir"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/structs"
)

// logTailLimit bounds how much captured stderr is carried into failure
// messages.
const logTailLimit = 4096

// Result is the outcome of one runner invocation.
type Result struct {
	Task        string
	Outcome     structs.Outcome
	Cached      bool
	Output      digest.Hash
	ExitCode    int
	Message     string
	Duration    time.Duration
	ExecutionID string
	InputHashes []digest.Hash
	InputsHash  digest.Hash
}

// Runner executes one planned task against current workspace data.
type Runner interface {
	Execute(ctx context.Context, workspace string, task *structs.GraphTask, force bool) Result
}

// SubprocessRunner materializes input objects into a scratch directory,
// compiles the task's command IR, and runs the resulting argv in a child
// process. Cancellation sends SIGTERM, then SIGKILL after the grace window.
type SubprocessRunner struct {
	Repo  *storage.Repository
	Grace time.Duration
}

func (s *SubprocessRunner) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return 10 * time.Second
}

func (s *SubprocessRunner) Execute(ctx context.Context, workspace string, task *structs.GraphTask, force bool) Result {
	started := time.Now()
	result := func(r Result) Result {
		r.Task = task.Name
		r.Duration = time.Since(started)
		return r
	}
	errResult := func(err error) Result {
		return result(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}

	inputHashes := make([]digest.Hash, 0, len(task.Inputs))
	for _, input := range task.Inputs {
		ref, err := s.Repo.GetDatasetRef(workspace, input)
		if err != nil {
			return errResult(err)
		}
		if ref.Kind != structs.RefValue {
			return errResult(e3.Errf(e3.DataflowError, "input %q of task %q has no value", input, task.Name))
		}
		inputHashes = append(inputHashes, ref.Hash)
	}
	inputsHash := digest.InputsHash(inputHashes)

	if !force {
		output, hit, err := s.Repo.LatestOutput(task.Hash, inputsHash)
		if err != nil {
			return errResult(err)
		}
		if hit {
			return result(Result{
				Outcome:     structs.OutcomeSuccess,
				Cached:      true,
				Output:      output,
				InputHashes: inputHashes,
				InputsHash:  inputsHash,
			})
		}
	}

	executionID, err := structs.NewExecutionID()
	if err != nil {
		return errResult(err)
	}
	finish := func(r Result) Result {
		r = result(r)
		r.ExecutionID = executionID
		r.InputHashes = inputHashes
		r.InputsHash = inputsHash
		return r
	}

	scratch, err := os.MkdirTemp(s.Repo.TmpDir(), task.Name+"-*")
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	defer os.RemoveAll(scratch)

	inputPaths := make([]string, len(inputHashes))
	for i, h := range inputHashes {
		b, err := s.Repo.Get(h, storage.BinExt)
		if err != nil {
			return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
		}
		inputPaths[i] = filepath.Join(scratch, fmt.Sprintf("input-%d", i))
		if err := os.WriteFile(inputPaths[i], b, 0o644); err != nil {
			return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
		}
	}
	outputPath := filepath.Join(scratch, "output")

	taskObject, err := storage.GetStruct[structs.Task](s.Repo, task.Hash)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	commandIR, err := storage.GetStruct[structs.CommandIR](s.Repo, taskObject.CommandIR)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	command, err := ir.Compile(commandIR)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	argv, err := command.Args(inputPaths, outputPath)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}

	stdout, err := os.Create(filepath.Join(scratch, "stdout.log"))
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(scratch, "stderr.log"))
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.grace()

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: "cancelled"})
	}
	if runErr != nil {
		exitErr := &exec.ExitError{}
		if errors.As(runErr, &exitErr) {
			return finish(Result{
				Outcome:  structs.OutcomeFailed,
				ExitCode: exitErr.ExitCode(),
				Message:  logTail(stderr.Name()),
			})
		}
		return finish(Result{Outcome: structs.OutcomeError, Message: runErr.Error()})
	}

	outputBytes, err := os.ReadFile(outputPath)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: fmt.Sprintf("task wrote no output: %v", err)})
	}
	outputHash, err := s.Repo.Put(outputBytes, storage.BinExt)
	if err != nil {
		return finish(Result{Outcome: structs.OutcomeError, Message: err.Error()})
	}
	return finish(Result{Outcome: structs.OutcomeSuccess, Output: outputHash})
}

func logTail(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(b) > logTailLimit {
		b = b[len(b)-logTailLimit:]
	}
	return strings.TrimSpace(string(b))
}
