package storage

import (
	"testing"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

func record(t *testing.T, r *Repository, taskHash, inputsHash digest.Hash, outcome structs.Outcome, output digest.Hash) string {
	t.Helper()
	id, err := structs.NewExecutionID()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RecordExecution(taskHash, inputsHash, &structs.ExecutionStatus{
		ExecutionID: id,
		Outcome:     outcome,
		InputHashes: []digest.Hash{inputsHash},
		Output:      output,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMemoLatestOutput(t *testing.T) {
	withRepo(t, func(r *Repository) {
		taskHash := digest.Sum([]byte("task"))
		inputsHash := digest.InputsHash([]digest.Hash{digest.Sum([]byte("in"))})

		if _, hit, err := r.LatestOutput(taskHash, inputsHash); err != nil || hit {
			t.Fatalf("empty slot: hit=%v err=%v", hit, err)
		}

		first := digest.Sum([]byte("output-1"))
		record(t, r, taskHash, inputsHash, structs.OutcomeSuccess, first)
		got, hit, err := r.LatestOutput(taskHash, inputsHash)
		if err != nil || !hit || got != first {
			t.Fatalf("after first success: %s %v %v", got, hit, err)
		}

		// A later failure does not hide the earlier success.
		record(t, r, taskHash, inputsHash, structs.OutcomeFailed, digest.Hash{})
		got, hit, err = r.LatestOutput(taskHash, inputsHash)
		if err != nil || !hit || got != first {
			t.Fatalf("after failure: %s %v %v", got, hit, err)
		}

		// A newer success wins.
		second := digest.Sum([]byte("output-2"))
		record(t, r, taskHash, inputsHash, structs.OutcomeSuccess, second)
		got, hit, err = r.LatestOutput(taskHash, inputsHash)
		if err != nil || !hit || got != second {
			t.Fatalf("after second success: %s %v %v", got, hit, err)
		}
	})
}

func TestMemoListings(t *testing.T) {
	withRepo(t, func(r *Repository) {
		taskHash := digest.Sum([]byte("task"))
		inputsA := digest.InputsHash([]digest.Hash{digest.Sum([]byte("a"))})
		inputsB := digest.InputsHash([]digest.Hash{digest.Sum([]byte("b"))})

		idA := record(t, r, taskHash, inputsA, structs.OutcomeSuccess, digest.Sum([]byte("out-a")))
		idB1 := record(t, r, taskHash, inputsB, structs.OutcomeSuccess, digest.Sum([]byte("out-b1")))
		idB2 := record(t, r, taskHash, inputsB, structs.OutcomeSuccess, digest.Sum([]byte("out-b2")))

		inputsHashes, err := r.ListInputsHashes(taskHash)
		if err != nil {
			t.Fatal(err)
		}
		if len(inputsHashes) != 2 {
			t.Errorf("ListInputsHashes = %v", inputsHashes)
		}

		ids, err := r.ListExecutionIDs(taskHash, inputsB)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 2 || ids[0] != idB1 || ids[1] != idB2 {
			t.Errorf("ListExecutionIDs = %v, want [%s %s]", ids, idB1, idB2)
		}

		status, err := r.GetExecution(taskHash, inputsA, idA)
		if err != nil {
			t.Fatal(err)
		}
		if status.Outcome != structs.OutcomeSuccess {
			t.Errorf("stored outcome = %v", status.Outcome)
		}

		keys, err := r.ListAllExecutions()
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 2 {
			t.Errorf("ListAllExecutions = %v", keys)
		}

		if _, err := r.GetExecution(taskHash, inputsA, "no-such-id"); !e3.IsKind(err, e3.ObjectNotFound) {
			t.Errorf("missing execution = %v", err)
		}
	})
}

func TestExecutionRecordImmutableShape(t *testing.T) {
	withRepo(t, func(r *Repository) {
		taskHash := digest.Sum([]byte("task"))
		inputsHash := digest.InputsHash(nil)
		id := record(t, r, taskHash, inputsHash, structs.OutcomeSuccess, digest.Sum([]byte("out")))
		before, err := r.GetExecution(taskHash, inputsHash, id)
		if err != nil {
			t.Fatal(err)
		}
		// Recording another execution never rewrites an existing record.
		record(t, r, taskHash, inputsHash, structs.OutcomeSuccess, digest.Sum([]byte("out-2")))
		after, err := r.GetExecution(taskHash, inputsHash, id)
		if err != nil {
			t.Fatal(err)
		}
		if before.Output != after.Output || before.ExecutionID != after.ExecutionID {
			t.Errorf("record changed: %+v then %+v", before, after)
		}
	})
}
