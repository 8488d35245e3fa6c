// Package lock guards workspaces with kernel-mediated advisory locks. The
// kernel lock is the source of truth; a LockState body written into the lock
// file lets contenders report who holds it and lets stale files from crashed
// or rebooted holders be cleaned up without manual intervention.
package lock

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/zond/e3"
	"github.com/zond/e3/structs"

	goccy "github.com/goccy/go-json"
)

const retryDelay = 100 * time.Millisecond

// Options controls acquisition behavior. The default is non-blocking
// fail-fast with holder info surfaced.
type Options struct {
	Wait    bool
	Timeout time.Duration
}

// Handle is a held lock.
type Handle struct {
	fl    *flock.Flock
	path  string
	state structs.LockState

	mu       sync.Mutex
	released bool
}

// Acquire takes the exclusive lock at path for the named operation. Before
// trying, stale LockState files left by dead holders are removed: a recorded
// boot ID differing from the current one, a dead pid, or a pid whose start
// time no longer matches all mean the holder is gone and the kernel lock
// died with it.
func Acquire(path, operation string, opts Options) (*Handle, error) {
	cleanupStale(path)

	fl := flock.New(path)
	var acquired bool
	var err error
	if opts.Wait {
		ctx := context.Background()
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		acquired, err = fl.TryLockContext(ctx, retryDelay)
		if err == context.DeadlineExceeded {
			acquired, err = false, nil
		}
	} else {
		acquired, err = fl.TryLock()
	}
	if err != nil {
		return nil, e3.WithStack(err)
	}
	if !acquired {
		return nil, lockedError(path)
	}

	state := structs.LockState{
		Operation: operation,
		Holder: structs.Holder{
			PID:       os.Getpid(),
			StartTime: processStartTime(os.Getpid()),
			BootID:    bootID(),
			Command:   strings.Join(os.Args, " "),
		},
		AcquiredAt: structs.Stamp(time.Now()),
	}
	if b, err := goccy.Marshal(state); err == nil {
		// Diagnostic only. Failure to write it never fails acquisition.
		os.WriteFile(path, append(b, '\n'), 0o644)
	}
	return &Handle{fl: fl, path: path, state: state}, nil
}

// Release drops the kernel lock and removes the lock file. Idempotent.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if err := h.fl.Unlock(); err != nil {
		return e3.WithStack(err)
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return e3.WithStack(err)
	}
	return nil
}

// State returns the LockState written at acquisition.
func (h *Handle) State() structs.LockState {
	return h.state
}

// lockedError reads the holder's LockState and surfaces it.
func lockedError(path string) error {
	state, ok := readState(path)
	if !ok {
		// Kernel lock held but state not yet written; possible briefly at
		// acquisition.
		return e3.Errf(e3.WorkspaceLocked, "locked by unknown holder")
	}
	err := e3.Errf(e3.WorkspaceLocked, "locked for %q by pid %d (%s) since %s",
		state.Operation, state.Holder.PID, state.Holder.Command,
		state.AcquiredAt.Time().UTC().Format(time.RFC3339))
	err = e3.WithDetail(err, "holder", state.Holder)
	return e3.WithDetail(err, "acquired_at", state.AcquiredAt.Time().UTC())
}

func readState(path string) (structs.LockState, bool) {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return structs.LockState{}, false
	}
	state := structs.LockState{}
	if err := goccy.Unmarshal(b, &state); err != nil {
		return structs.LockState{}, false
	}
	return state, state.Holder.PID != 0
}

// cleanupStale removes the lock file if its recorded holder cannot be the
// current owner of the kernel lock.
func cleanupStale(path string) {
	state, ok := readState(path)
	if !ok {
		return
	}
	if holderAlive(state.Holder) {
		return
	}
	os.Remove(path)
}

func holderAlive(holder structs.Holder) bool {
	if id := bootID(); id != "" && holder.BootID != "" && id != holder.BootID {
		return false
	}
	if err := syscall.Kill(holder.PID, 0); err != nil && err != syscall.EPERM {
		return false
	}
	if start := processStartTime(holder.PID); start != 0 && holder.StartTime != 0 && start != holder.StartTime {
		return false
	}
	return true
}
