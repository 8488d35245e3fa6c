package storage

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

// The memoization index maps (taskHash, inputsHash) to an ordered list of
// execution records. Execution IDs are time-ordered, so the lexicographic
// maximum is the latest. A record once written is never rewritten.

const latestRefName = "latest"

func executionDir(taskHash, inputsHash digest.Hash) string {
	return path.Join(executionsDir, taskHash.String(), inputsHash.String())
}

// RecordExecution persists one execution record.
func (r *Repository) RecordExecution(taskHash, inputsHash digest.Hash, status *structs.ExecutionStatus) error {
	if status.ExecutionID == "" {
		return e3.Errf(e3.DataflowError, "execution record without id")
	}
	b, err := structs.Marshal(status)
	if err != nil {
		return err
	}
	dir := executionDir(taskHash, inputsHash)
	if err := r.writeFileAtomic(path.Join(dir, status.ExecutionID), b); err != nil {
		return err
	}
	if status.Outcome == structs.OutcomeSuccess {
		// Convenience pointer for observers; the records are the truth.
		if err := r.SetRef(path.Join(dir, latestRefName), status.Output); err != nil {
			return err
		}
	}
	return nil
}

// GetExecution loads one execution record.
func (r *Repository) GetExecution(taskHash, inputsHash digest.Hash, executionID string) (*structs.ExecutionStatus, error) {
	b, err := os.ReadFile(filepath.Join(r.dir, executionDir(taskHash, inputsHash), executionID))
	if os.IsNotExist(err) {
		return nil, e3.Errf(e3.ObjectNotFound, "execution %s/%s/%s", taskHash, inputsHash, executionID)
	} else if err != nil {
		return nil, wrapFS(err)
	}
	status := &structs.ExecutionStatus{}
	if err := structs.Unmarshal(b, status); err != nil {
		return nil, e3.Wrapf(e3.ExecutionCorrupt, err, "execution %s/%s/%s", taskHash, inputsHash, executionID)
	}
	return status, nil
}

// ListExecutionIDs returns the execution ids of a memoization slot in
// ascending (oldest first) order.
func (r *Repository) ListExecutionIDs(taskHash, inputsHash digest.Hash) ([]string, error) {
	names, err := r.ListRefs(executionDir(taskHash, inputsHash))
	if err != nil {
		return nil, err
	}
	ids := names[:0]
	for _, name := range names {
		if name != latestRefName {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// LatestOutput returns the output hash of the most recent successful
// execution of a memoization slot, or ok=false when none succeeded yet.
func (r *Repository) LatestOutput(taskHash, inputsHash digest.Hash) (digest.Hash, bool, error) {
	ids, err := r.ListExecutionIDs(taskHash, inputsHash)
	if err != nil {
		return digest.Hash{}, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		status, err := r.GetExecution(taskHash, inputsHash, ids[i])
		if err != nil {
			return digest.Hash{}, false, err
		}
		if status.Outcome == structs.OutcomeSuccess {
			return status.Output, true, nil
		}
	}
	return digest.Hash{}, false, nil
}

// ListInputsHashes returns every recorded inputs hash of a task.
func (r *Repository) ListInputsHashes(taskHash digest.Hash) ([]digest.Hash, error) {
	names, err := r.ListRefs(path.Join(executionsDir, taskHash.String()))
	if err != nil {
		return nil, err
	}
	result := make([]digest.Hash, 0, len(names))
	for _, name := range names {
		h, err := digest.Parse(name)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, nil
}

// ExecutionKey identifies one memoization slot.
type ExecutionKey struct {
	TaskHash   digest.Hash
	InputsHash digest.Hash
}

// ListAllExecutions enumerates every memoization slot in the repository.
func (r *Repository) ListAllExecutions() ([]ExecutionKey, error) {
	taskNames, err := r.ListRefs(executionsDir)
	if err != nil {
		return nil, err
	}
	var result []ExecutionKey
	for _, taskName := range taskNames {
		taskHash, err := digest.Parse(taskName)
		if err != nil {
			continue
		}
		inputsHashes, err := r.ListInputsHashes(taskHash)
		if err != nil {
			return nil, err
		}
		for _, inputsHash := range inputsHashes {
			result = append(result, ExecutionKey{TaskHash: taskHash, InputsHash: inputsHash})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TaskHash != result[j].TaskHash {
			return result[i].TaskHash.String() < result[j].TaskHash.String()
		}
		return result[i].InputsHash.String() < result[j].InputsHash.String()
	})
	return result, nil
}
