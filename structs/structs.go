package structs

import (
	"sort"
	"strings"
	"time"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
)

type Timestamp uint64

func (t Timestamp) Nanoseconds() int64 {
	return int64(t)
}

func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t))
}

func (t Timestamp) IsZero() bool {
	return t == 0
}

func Stamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Path addresses a dataset or subtree in a workspace data tree, with fields
// separated by dots.
type Path string

func (p Path) Fields() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

func (p Path) Child(field string) Path {
	if p == "" {
		return Path(field)
	}
	return Path(string(p) + "." + field)
}

// RefKind discriminates DataRef variants.
type RefKind uint8

const (
	// RefUnassigned marks a dataset without a value.
	RefUnassigned RefKind = 0
	// RefValue points at a stored value object.
	RefValue RefKind = 1
	// RefTree points at an interior tree node.
	RefTree RefKind = 2
)

// DataRef distinguishes empty datasets from value-bearing datasets and
// interior struct nodes.
type DataRef struct {
	Kind RefKind     `cbor:"1,keyasint"`
	Hash digest.Hash `cbor:"2,keyasint,omitempty"`
}

func Unassigned() DataRef {
	return DataRef{Kind: RefUnassigned}
}

func ValueRef(h digest.Hash) DataRef {
	return DataRef{Kind: RefValue, Hash: h}
}

func TreeRef(h digest.Hash) DataRef {
	return DataRef{Kind: RefTree, Hash: h}
}

// TreeNode is a node in a data tree: either a dataset leaf carrying a DataRef
// or a struct mapping field names to child tree hashes. Nodes are stored by
// structural hash, so identical subtrees deduplicate.
type TreeNode struct {
	Leaf   *DataRef               `cbor:"1,keyasint,omitempty"`
	Fields map[string]digest.Hash `cbor:"2,keyasint,omitempty"`
}

func LeafNode(ref DataRef) *TreeNode {
	return &TreeNode{Leaf: &ref}
}

func StructNode(fields map[string]digest.Hash) *TreeNode {
	return &TreeNode{Fields: fields}
}

func (n *TreeNode) IsLeaf() bool {
	return n.Leaf != nil
}

// Type names the value type of a dataset.
type Type string

// Structure describes which paths of a data tree are datasets and which are
// subtrees. A node is either a value of some type or a struct of named
// children, never both.
type Structure struct {
	Type   Type                  `cbor:"1,keyasint,omitempty"`
	Fields map[string]*Structure `cbor:"2,keyasint,omitempty"`
}

func (s *Structure) IsValue() bool {
	return s.Type != ""
}

// At resolves a path against the structure, or nil if absent.
func (s *Structure) At(path Path) *Structure {
	node := s
	for _, field := range path.Fields() {
		if node == nil || node.IsValue() {
			return nil
		}
		node = node.Fields[field]
	}
	return node
}

// DatasetPaths returns every value path of the structure in sorted order.
func (s *Structure) DatasetPaths() []Path {
	var result []Path
	var walk func(prefix Path, node *Structure)
	walk = func(prefix Path, node *Structure) {
		if node == nil {
			return
		}
		if node.IsValue() {
			result = append(result, prefix)
			return
		}
		names := make([]string, 0, len(node.Fields))
		for name := range node.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walk(prefix.Child(name), node.Fields[name])
		}
	}
	walk("", s)
	return result
}

// Package is an immutable bundle of task definitions, a data structure, and
// the initial data tree.
type Package struct {
	Tasks     map[string]digest.Hash `cbor:"1,keyasint"`
	Structure *Structure             `cbor:"2,keyasint"`
	RootTree  digest.Hash            `cbor:"3,keyasint"`
}

// Task declares a computation: a command IR object, input dataset paths, and
// a single output dataset path.
type Task struct {
	CommandIR digest.Hash `cbor:"1,keyasint"`
	Inputs    []Path      `cbor:"2,keyasint"`
	Output    Path        `cbor:"3,keyasint"`
}

// CommandIR is the compiled program that, given input file paths and an
// output file path, yields the argument vector the runner executes. The
// engine treats it as opaque apart from the language discriminator.
type CommandIR struct {
	Lang   string `cbor:"1,keyasint"`
	Source string `cbor:"2,keyasint"`
}

const (
	CommandLangJS    = "js"
	CommandLangShell = "shell"
)

// WorkspaceState is the deployed state of a named workspace. Invariant: the
// tree under RootHash has exactly the shape of Structure.
type WorkspaceState struct {
	PackageName    string                 `cbor:"1,keyasint"`
	PackageVersion string                 `cbor:"2,keyasint"`
	PackageHash    digest.Hash            `cbor:"3,keyasint"`
	RootHash       digest.Hash            `cbor:"4,keyasint"`
	Structure      *Structure             `cbor:"5,keyasint"`
	TaskMap        map[string]digest.Hash `cbor:"6,keyasint"`
}

// TaskNames returns the task map keys in sorted order.
func (w *WorkspaceState) TaskNames() []string {
	names := make([]string, 0, len(w.TaskMap))
	for name := range w.TaskMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outcome discriminates execution record variants.
type Outcome uint8

const (
	OutcomeRunning Outcome = 0
	OutcomeSuccess Outcome = 1
	OutcomeFailed  Outcome = 2
	OutcomeError   Outcome = 3
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// ExecutionStatus is one recorded attempt to run a task with a concrete input
// set. Records are finalized at termination and immutable thereafter.
type ExecutionStatus struct {
	ExecutionID string        `cbor:"1,keyasint"`
	Outcome     Outcome       `cbor:"2,keyasint"`
	InputHashes []digest.Hash `cbor:"3,keyasint"`
	Output      digest.Hash   `cbor:"4,keyasint,omitempty"`
	ExitCode    int           `cbor:"5,keyasint,omitempty"`
	Message     string        `cbor:"6,keyasint,omitempty"`
	StartedAt   Timestamp     `cbor:"7,keyasint,omitempty"`
	CompletedAt Timestamp     `cbor:"8,keyasint,omitempty"`
}

// GraphTask is one node of a planned dataflow graph.
type GraphTask struct {
	Name      string      `cbor:"1,keyasint"`
	Hash      digest.Hash `cbor:"2,keyasint"`
	Inputs    []Path      `cbor:"3,keyasint"`
	Output    Path        `cbor:"4,keyasint"`
	DependsOn []string    `cbor:"5,keyasint,omitempty"`
	External  []Path      `cbor:"6,keyasint,omitempty"`
}

// Graph is a planned task DAG in deterministic topological order.
type Graph struct {
	Tasks []GraphTask `cbor:"1,keyasint"`
}

func (g *Graph) Task(name string) *GraphTask {
	for i := range g.Tasks {
		if g.Tasks[i].Name == name {
			return &g.Tasks[i]
		}
	}
	return nil
}

// TaskRunState is the scheduler state machine for one task. Terminal states
// are absorbing.
type TaskRunState string

const (
	TaskPending    TaskRunState = "pending"
	TaskReady      TaskRunState = "ready"
	TaskInProgress TaskRunState = "in_progress"
	TaskCompleted  TaskRunState = "completed"
	TaskFailed     TaskRunState = "failed"
	TaskSkipped    TaskRunState = "skipped"
)

func (s TaskRunState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// TaskState is the persisted per-task execution state.
type TaskState struct {
	Name        string       `cbor:"1,keyasint"`
	Status      TaskRunState `cbor:"2,keyasint"`
	Cached      bool         `cbor:"3,keyasint,omitempty"`
	Output      digest.Hash  `cbor:"4,keyasint,omitempty"`
	ExitCode    int          `cbor:"5,keyasint,omitempty"`
	Message     string       `cbor:"6,keyasint,omitempty"`
	Cause       string       `cbor:"7,keyasint,omitempty"`
	StartedAt   Timestamp    `cbor:"8,keyasint,omitempty"`
	CompletedAt Timestamp    `cbor:"9,keyasint,omitempty"`
}

// EventType names the dataflow event stream entries.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventTaskStarted        EventType = "task_started"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskSkipped        EventType = "task_skipped"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

// Event is one entry of the append-only, totally seq-ordered event stream.
type Event struct {
	Seq      uint64      `cbor:"1,keyasint"`
	At       Timestamp   `cbor:"2,keyasint"`
	Type     EventType   `cbor:"3,keyasint"`
	Task     string      `cbor:"4,keyasint,omitempty"`
	Cached   bool        `cbor:"5,keyasint,omitempty"`
	Output   digest.Hash `cbor:"6,keyasint,omitempty"`
	ExitCode int         `cbor:"7,keyasint,omitempty"`
	Message  string      `cbor:"8,keyasint,omitempty"`
	Cause    string      `cbor:"9,keyasint,omitempty"`
	Duration int64       `cbor:"10,keyasint,omitempty"`
}

// ExecStatus is the terminal status of a whole execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Counters summarizes an execution.
type Counters struct {
	Executed int `cbor:"1,keyasint,omitempty"`
	Cached   int `cbor:"2,keyasint,omitempty"`
	Failed   int `cbor:"3,keyasint,omitempty"`
	Skipped  int `cbor:"4,keyasint,omitempty"`
}

// ExecutionState is the resumable snapshot of one dataflow execution.
type ExecutionState struct {
	ID          string                `cbor:"1,keyasint"`
	Workspace   string                `cbor:"2,keyasint"`
	StartedAt   Timestamp             `cbor:"3,keyasint"`
	Concurrency int                   `cbor:"4,keyasint"`
	Force       bool                  `cbor:"5,keyasint,omitempty"`
	Filter      []string              `cbor:"6,keyasint,omitempty"`
	Graph       *Graph                `cbor:"7,keyasint"`
	Tasks       map[string]*TaskState `cbor:"8,keyasint"`
	Counters    Counters              `cbor:"9,keyasint"`
	Status      ExecStatus            `cbor:"10,keyasint"`
	CompletedAt Timestamp             `cbor:"11,keyasint,omitempty"`
	Events      []Event               `cbor:"12,keyasint,omitempty"`
	EventSeq    uint64                `cbor:"13,keyasint,omitempty"`
}

// Holder identifies the process owning a workspace lock.
type Holder struct {
	PID       int    `json:"pid"`
	StartTime uint64 `json:"start_time"`
	BootID    string `json:"boot_id"`
	Command   string `json:"command"`
}

// LockState is the diagnostic body of a lock file. The kernel lock is the
// source of truth; this exists so contenders can report who holds the lock.
type LockState struct {
	Operation  string    `json:"operation"`
	Holder     Holder    `json:"holder"`
	AcquiredAt Timestamp `json:"acquired_at"`
	ExpiresAt  Timestamp `json:"expires_at,omitempty"`
}

// NewExecutionID returns a time-ordered identifier whose lexicographic order
// matches creation order.
func NewExecutionID() (string, error) {
	id, err := newUUIDv7()
	if err != nil {
		return "", e3.WithStack(err)
	}
	return id, nil
}
