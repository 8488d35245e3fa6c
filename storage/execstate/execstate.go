// Package execstate persists dataflow execution snapshots and their event
// streams so a crashed scheduler can be inspected and observers can poll
// events at their own pace.
package execstate

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/zond/e3"
	"github.com/zond/e3/structs"
)

// Store is the persistence contract used by the scheduler and read by
// observers. RecordEvent assigns the next seq atomically and persists before
// returning; readers may lag writers but never observe reordered events.
type Store interface {
	Create(ctx context.Context, state *structs.ExecutionState) error
	Read(ctx context.Context, workspace, id string) (*structs.ExecutionState, error)
	ReadLatest(ctx context.Context, workspace string) (*structs.ExecutionState, error)
	UpdateTaskStatus(ctx context.Context, workspace, id string, task *structs.TaskState) error
	UpdateStatus(ctx context.Context, workspace, id string, status structs.ExecStatus, counters structs.Counters, completedAt structs.Timestamp) error
	RecordEvent(ctx context.Context, workspace, id string, event structs.Event) (uint64, error)
	EventsSince(ctx context.Context, workspace, id string, seq uint64) ([]structs.Event, error)
	NextExecutionID(ctx context.Context, workspace string) (string, error)
}

// FileStore keeps the latest execution of each workspace in a single binary
// state file, replaced with stage-then-rename on every update.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at a repository directory.
func NewFileStore(repoDir string) *FileStore {
	return &FileStore{dir: repoDir}
}

func (s *FileStore) path(workspace string) string {
	return filepath.Join(s.dir, "workspaces", workspace+".execution")
}

func (s *FileStore) load(workspace string) (*structs.ExecutionState, error) {
	b, err := os.ReadFile(s.path(workspace))
	if os.IsNotExist(err) || (err == nil && len(b) == 0) {
		return nil, e3.Errf(e3.ObjectNotFound, "no execution state for workspace %q", workspace)
	} else if err != nil {
		return nil, e3.WithStack(err)
	}
	state := &structs.ExecutionState{}
	if err := structs.Unmarshal(b, state); err != nil {
		return nil, e3.Wrapf(e3.ExecutionCorrupt, err, "execution state of workspace %q", workspace)
	}
	return state, nil
}

func (s *FileStore) persist(workspace string, state *structs.ExecutionState) error {
	b, err := structs.Marshal(state)
	if err != nil {
		return err
	}
	path := s.path(workspace)
	staged, err := os.CreateTemp(filepath.Dir(path), "*.partial")
	if err != nil {
		return e3.WithStack(err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(b); err != nil {
		staged.Close()
		return e3.WithStack(err)
	}
	if err := staged.Sync(); err != nil {
		staged.Close()
		return e3.WithStack(err)
	}
	if err := staged.Close(); err != nil {
		return e3.WithStack(err)
	}
	return e3.WithStack(os.Rename(staged.Name(), path))
}

func (s *FileStore) Create(ctx context.Context, state *structs.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(state.Workspace, state)
}

func (s *FileStore) Read(ctx context.Context, workspace, id string) (*structs.ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load(workspace)
	if err != nil {
		return nil, err
	}
	if state.ID != id {
		return nil, e3.Errf(e3.ObjectNotFound, "execution %q of workspace %q", id, workspace)
	}
	return state, nil
}

func (s *FileStore) ReadLatest(ctx context.Context, workspace string) (*structs.ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(workspace)
}

func (s *FileStore) update(workspace, id string, mutate func(*structs.ExecutionState) error) (*structs.ExecutionState, error) {
	state, err := s.load(workspace)
	if err != nil {
		return nil, err
	}
	if state.ID != id {
		return nil, e3.Errf(e3.ObjectNotFound, "execution %q of workspace %q", id, workspace)
	}
	if err := mutate(state); err != nil {
		return nil, err
	}
	if err := s.persist(workspace, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *FileStore) UpdateTaskStatus(ctx context.Context, workspace, id string, task *structs.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.update(workspace, id, func(state *structs.ExecutionState) error {
		if state.Tasks == nil {
			state.Tasks = map[string]*structs.TaskState{}
		}
		state.Tasks[task.Name] = task
		return nil
	})
	return err
}

func (s *FileStore) UpdateStatus(ctx context.Context, workspace, id string, status structs.ExecStatus, counters structs.Counters, completedAt structs.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.update(workspace, id, func(state *structs.ExecutionState) error {
		state.Status = status
		state.Counters = counters
		state.CompletedAt = completedAt
		return nil
	})
	return err
}

func (s *FileStore) RecordEvent(ctx context.Context, workspace, id string, event structs.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq uint64
	_, err := s.update(workspace, id, func(state *structs.ExecutionState) error {
		seq = state.EventSeq + 1
		event.Seq = seq
		state.Events = append(state.Events, event)
		state.EventSeq = seq
		return nil
	})
	return seq, err
}

func (s *FileStore) EventsSince(ctx context.Context, workspace, id string, seq uint64) ([]structs.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load(workspace)
	if err != nil {
		return nil, err
	}
	if state.ID != id {
		return nil, e3.Errf(e3.ObjectNotFound, "execution %q of workspace %q", id, workspace)
	}
	var result []structs.Event
	for _, event := range state.Events {
		if event.Seq > seq {
			result = append(result, event)
		}
	}
	return result, nil
}

func (s *FileStore) NextExecutionID(ctx context.Context, workspace string) (string, error) {
	return structs.NewExecutionID()
}
