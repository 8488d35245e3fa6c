package storage

// TODO(zond): Grow a cloud storage backend behind the same Repository surface.

import (
	"os"
	"path/filepath"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/zond/e3"
)

const (
	objectsDir    = "objects"
	packagesDir   = "packages"
	workspacesDir = "workspaces"
	executionsDir = "executions"
	logDir        = "log"
	tmpDir        = "tmp"

	// BinExt marks canonical binary objects, TextExt their printed
	// equivalents.
	BinExt     = "bin"
	TextExt    = "json"
	partialExt = "partial"

	dirPerm  = 0o755
	filePerm = 0o644
)

const (
	objectCacheKeys = 4096
	objectCacheTTL  = 10 * time.Minute
)

var repoDirs = []string{objectsDir, packagesDir, workspacesDir, executionsDir, logDir, tmpDir}

// Repository is a content-addressed object store with mutable references on
// top: packages, workspaces, and execution records. All durable writes use
// stage-then-rename so readers never observe partial state.
type Repository struct {
	dir     string
	decoded cache.Cache[string, any]
	audit   *AuditLogger
}

// Create initializes the repository layout at dir. The directory may exist
// but must not already be a repository.
func Create(dir string) (*Repository, error) {
	if isRepo(dir) {
		return nil, e3.Errf(e3.RepoNotFound, "%q is already a repository", dir)
	}
	for _, sub := range repoDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, wrapFS(err)
		}
	}
	return Open(dir)
}

// Open opens an existing repository.
func Open(dir string) (*Repository, error) {
	if !isRepo(dir) {
		return nil, e3.Errf(e3.RepoNotFound, "%q is not a repository", dir)
	}
	r := &Repository{
		dir:     dir,
		decoded: cache.NewCache[string, any]().WithMaxKeys(objectCacheKeys).WithTTL(objectCacheTTL).WithLRU(),
		audit:   NewAuditLogger(filepath.Join(dir, logDir, "audit.log")),
	}
	return r, nil
}

// Remove deletes the entire repository.
func Remove(dir string) error {
	if !isRepo(dir) {
		return e3.Errf(e3.RepoNotFound, "%q is not a repository", dir)
	}
	return wrapFS(os.RemoveAll(dir))
}

func (r *Repository) Dir() string {
	return r.dir
}

// TmpDir returns the repo-scoped scratch root used for runner staging.
func (r *Repository) TmpDir() string {
	return filepath.Join(r.dir, tmpDir)
}

func (r *Repository) Audit() *AuditLogger {
	return r.audit
}

func (r *Repository) Close() error {
	return r.audit.Close()
}

func isRepo(dir string) bool {
	for _, sub := range []string{objectsDir, packagesDir, workspacesDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// wrapFS converts filesystem errors into the surfaced taxonomy, keeping the
// cause chain.
func wrapFS(err error) error {
	if err == nil {
		return nil
	}
	if os.IsPermission(err) {
		return e3.Wrapf(e3.PermissionDenied, err, "%v", err)
	}
	return e3.WithStack(err)
}

// Status summarizes a repository for `repo status`.
type Status struct {
	Objects    int
	Bytes      int64
	Partials   int
	Packages   int
	Workspaces int
	Executions int
}

func (r *Repository) Status() (*Status, error) {
	status := &Status{}
	if err := r.eachObjectFile(func(path string, info os.FileInfo, partial bool) error {
		if partial {
			status.Partials++
			return nil
		}
		status.Objects++
		status.Bytes += info.Size()
		return nil
	}); err != nil {
		return nil, err
	}
	packages, err := r.ListPackages()
	if err != nil {
		return nil, err
	}
	for _, versions := range packages {
		status.Packages += len(versions)
	}
	workspaces, err := r.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	status.Workspaces = len(workspaces)
	executions, err := r.ListAllExecutions()
	if err != nil {
		return nil, err
	}
	status.Executions = len(executions)
	return status, nil
}
