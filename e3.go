package e3

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// RepoEnv is the environment variable that supplies the default repository
// path for commands that don't receive one explicitly.
const RepoEnv = "E3_REPO"

// DefaultRepoPath returns the repository path from the environment, or the
// empty string if none is configured.
func DefaultRepoPath() string {
	return os.Getenv(RepoEnv)
}

// Kind classifies errors surfaced on the API and CLI. Each kind has a stable
// short name used in error messages and exit diagnostics.
type Kind string

const (
	RepoNotFound         Kind = "repo_not_found"
	WorkspaceNotFound    Kind = "workspace_not_found"
	WorkspaceNotDeployed Kind = "workspace_not_deployed"
	WorkspaceExists      Kind = "workspace_exists"
	WorkspaceLocked      Kind = "workspace_locked"
	PackageNotFound      Kind = "package_not_found"
	PackageExists        Kind = "package_exists"
	PackageInvalid       Kind = "package_invalid"
	DatasetNotFound      Kind = "dataset_not_found"
	TaskNotFound         Kind = "task_not_found"
	ObjectNotFound       Kind = "object_not_found"
	ObjectCorrupt        Kind = "object_corrupt"
	ExecutionCorrupt     Kind = "execution_corrupt"
	DataflowError        Kind = "dataflow_error"
	DataflowAborted      Kind = "dataflow_aborted"
	PermissionDenied     Kind = "permission_denied"
	Ambiguous            Kind = "ambiguous"
)

// Error is a kinded error carrying structured detail. The cause chain is
// reachable through errors.Is/errors.As via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	if o, ok := target.(*Error); ok {
		return e.Kind == o.Kind
	}
	return false
}

// Errf creates a kinded error with a formatted message and a stack.
func Errf(kind Kind, format string, args ...any) error {
	return WithStack(&Error{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Wrapf creates a kinded error wrapping a cause.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	return WithStack(&Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause})
}

// WithDetail attaches structured detail to a kinded error. Non-kinded errors
// are returned unchanged.
func WithDetail(err error, key string, value any) error {
	e := &Error{}
	if !errors.As(err, &e) {
		return err
	}
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return err
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	e := &Error{}
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of err, or the empty kind for unclassified errors.
func KindOf(err error) Kind {
	e := &Error{}
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStack attaches a stack to err unless it already carries one.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

// StackTrace renders the stack attached to err, if any.
func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	if err, ok := err.(stackTracer); ok {
		for _, f := range err.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

type Set[K comparable] map[K]struct{}

func (s Set[K]) Set(k K) {
	s[k] = struct{}{}
}

func (s Set[K]) Del(k K) {
	delete(s, k)
}

func (s Set[K]) Has(k K) bool {
	_, found := s[k]
	return found
}
