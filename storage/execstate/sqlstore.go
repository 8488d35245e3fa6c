package execstate

import (
	"context"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/zond/e3"
	"github.com/zond/e3/structs"
	"github.com/zond/sqly"

	_ "modernc.org/sqlite"
)

// SQLStore is the document-store alternative backend: execution snapshots
// and events in a sqlite database. It honors the same Store contract as
// FileStore and keeps every execution of a workspace, not just the latest.
type SQLStore struct {
	sql *sqly.DB
}

// Execution is one stored snapshot. State holds the canonical encoding of
// the ExecutionState without its events; events live in their own table.
type Execution struct {
	Id        string `sqly:"pkey"`
	Workspace string `sqly:"index"`
	State     []byte
}

// ExecutionEvent is one event stream entry.
type ExecutionEvent struct {
	Id        int64  `sqly:"pkey,autoinc"`
	Workspace string `sqly:"index"`
	Execution string `sqly:"uniqueWith(Seq)"`
	Seq       int64
	Body      []byte
}

// NewSQLStore opens (creating if needed) a sqlite-backed store.
func NewSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	sql, err := sqly.Open("sqlite", path)
	if err != nil {
		return nil, e3.WithStack(err)
	}
	for _, prototype := range []any{Execution{}, ExecutionEvent{}} {
		if err := sql.CreateTableIfNotExists(ctx, prototype); err != nil {
			return nil, e3.WithStack(err)
		}
	}
	return &SQLStore{sql: sql}, nil
}

func (s *SQLStore) Close() error {
	return e3.WithStack(s.sql.Close())
}

func getSQL(ctx context.Context, db sqlx.QueryerContext, d any, query string, params ...any) error {
	if err := sqlx.GetContext(ctx, db, d, query, params...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return e3.WithStack(os.ErrNotExist)
		}
		return e3.WithStack(err)
	}
	return nil
}

func decodeRow(row *Execution) (*structs.ExecutionState, error) {
	state := &structs.ExecutionState{}
	if err := structs.Unmarshal(row.State, state); err != nil {
		return nil, e3.Wrapf(e3.ExecutionCorrupt, err, "execution %q", row.Id)
	}
	return state, nil
}

func encodeRow(state *structs.ExecutionState) (*Execution, error) {
	stripped := *state
	stripped.Events = nil
	b, err := structs.Marshal(&stripped)
	if err != nil {
		return nil, err
	}
	return &Execution{Id: state.ID, Workspace: state.Workspace, State: b}, nil
}

func (s *SQLStore) Create(ctx context.Context, state *structs.ExecutionState) error {
	row, err := encodeRow(state)
	if err != nil {
		return err
	}
	return e3.WithStack(s.sql.Upsert(ctx, row, true))
}

func (s *SQLStore) readRow(ctx context.Context, db sqlx.QueryerContext, workspace, id string) (*structs.ExecutionState, error) {
	row := &Execution{}
	if err := getSQL(ctx, db, row, "SELECT * FROM Execution WHERE Id = ? AND Workspace = ?", id, workspace); errors.Is(err, os.ErrNotExist) {
		return nil, e3.Errf(e3.ObjectNotFound, "execution %q of workspace %q", id, workspace)
	} else if err != nil {
		return nil, err
	}
	return decodeRow(row)
}

func (s *SQLStore) attachEvents(ctx context.Context, state *structs.ExecutionState) error {
	rows := []ExecutionEvent{}
	if err := sqlx.SelectContext(ctx, s.sql, &rows, "SELECT * FROM ExecutionEvent WHERE Workspace = ? AND Execution = ? ORDER BY Seq ASC", state.Workspace, state.ID); err != nil {
		return e3.WithStack(err)
	}
	state.Events = make([]structs.Event, 0, len(rows))
	for _, row := range rows {
		event := structs.Event{}
		if err := structs.Unmarshal(row.Body, &event); err != nil {
			return e3.Wrapf(e3.ExecutionCorrupt, err, "event %d of execution %q", row.Seq, state.ID)
		}
		state.Events = append(state.Events, event)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, workspace, id string) (*structs.ExecutionState, error) {
	state, err := s.readRow(ctx, s.sql, workspace, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachEvents(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLStore) ReadLatest(ctx context.Context, workspace string) (*structs.ExecutionState, error) {
	row := &Execution{}
	// Execution ids are time ordered, so the lexicographic max is latest.
	if err := getSQL(ctx, s.sql, row, "SELECT * FROM Execution WHERE Workspace = ? ORDER BY Id DESC LIMIT 1", workspace); errors.Is(err, os.ErrNotExist) {
		return nil, e3.Errf(e3.ObjectNotFound, "no execution state for workspace %q", workspace)
	} else if err != nil {
		return nil, err
	}
	state, err := decodeRow(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachEvents(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLStore) mutate(ctx context.Context, workspace, id string, f func(*structs.ExecutionState) error) error {
	return e3.WithStack(s.sql.Write(ctx, func(tx *sqly.Tx) error {
		state, err := s.readRow(ctx, tx, workspace, id)
		if err != nil {
			return err
		}
		if err := f(state); err != nil {
			return err
		}
		row, err := encodeRow(state)
		if err != nil {
			return err
		}
		return e3.WithStack(tx.Upsert(ctx, row, true))
	}))
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, workspace, id string, task *structs.TaskState) error {
	return s.mutate(ctx, workspace, id, func(state *structs.ExecutionState) error {
		if state.Tasks == nil {
			state.Tasks = map[string]*structs.TaskState{}
		}
		state.Tasks[task.Name] = task
		return nil
	})
}

func (s *SQLStore) UpdateStatus(ctx context.Context, workspace, id string, status structs.ExecStatus, counters structs.Counters, completedAt structs.Timestamp) error {
	return s.mutate(ctx, workspace, id, func(state *structs.ExecutionState) error {
		state.Status = status
		state.Counters = counters
		state.CompletedAt = completedAt
		return nil
	})
}

func (s *SQLStore) RecordEvent(ctx context.Context, workspace, id string, event structs.Event) (uint64, error) {
	var seq uint64
	err := e3.WithStack(s.sql.Write(ctx, func(tx *sqly.Tx) error {
		state, err := s.readRow(ctx, tx, workspace, id)
		if err != nil {
			return err
		}
		seq = state.EventSeq + 1
		event.Seq = seq
		state.EventSeq = seq
		row, err := encodeRow(state)
		if err != nil {
			return err
		}
		if err := tx.Upsert(ctx, row, true); err != nil {
			return e3.WithStack(err)
		}
		body, err := structs.Marshal(&event)
		if err != nil {
			return err
		}
		return e3.WithStack(tx.Upsert(ctx, &ExecutionEvent{
			Workspace: workspace,
			Execution: id,
			Seq:       int64(seq),
			Body:      body,
		}, false))
	}))
	return seq, err
}

func (s *SQLStore) EventsSince(ctx context.Context, workspace, id string, seq uint64) ([]structs.Event, error) {
	rows := []ExecutionEvent{}
	if err := sqlx.SelectContext(ctx, s.sql, &rows, "SELECT * FROM ExecutionEvent WHERE Workspace = ? AND Execution = ? AND Seq > ? ORDER BY Seq ASC", workspace, id, int64(seq)); err != nil {
		return nil, e3.WithStack(err)
	}
	result := make([]structs.Event, 0, len(rows))
	for _, row := range rows {
		event := structs.Event{}
		if err := structs.Unmarshal(row.Body, &event); err != nil {
			return nil, e3.Wrapf(e3.ExecutionCorrupt, err, "event %d of execution %q", row.Seq, id)
		}
		result = append(result, event)
	}
	return result, nil
}

func (s *SQLStore) NextExecutionID(ctx context.Context, workspace string) (string, error) {
	return structs.NewExecutionID()
}
