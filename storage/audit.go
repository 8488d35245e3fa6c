package storage

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	goccy "github.com/goccy/go-json"
)

// AuditLogger writes repository-changing events to a log file as JSON lines.
// Rotation is handled automatically via lumberjack.
type AuditLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
	enc    *goccy.Encoder
}

// AuditData is the interface for typed audit event data.
type AuditData interface {
	auditEvent() string
}

// AuditEntry is a single audit log line.
type AuditEntry struct {
	Time  string    `json:"time"`
	Event string    `json:"event"`
	Data  AuditData `json:"data"`
}

type AuditPackageImport struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

func (AuditPackageImport) auditEvent() string { return "package_import" }

type AuditPackageExport struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Out     string `json:"out"`
}

func (AuditPackageExport) auditEvent() string { return "package_export" }

type AuditPackageRemove struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

func (AuditPackageRemove) auditEvent() string { return "package_remove" }

type AuditWorkspaceCreate struct {
	Workspace string `json:"workspace"`
}

func (AuditWorkspaceCreate) auditEvent() string { return "workspace_create" }

type AuditWorkspaceRemove struct {
	Workspace string `json:"workspace"`
}

func (AuditWorkspaceRemove) auditEvent() string { return "workspace_remove" }

type AuditDeploy struct {
	Workspace string `json:"workspace"`
	Package   string `json:"package"`
	Version   string `json:"version"`
}

func (AuditDeploy) auditEvent() string { return "deploy" }

type AuditExecutionStart struct {
	Workspace   string `json:"workspace"`
	Execution   string `json:"execution"`
	Concurrency int    `json:"concurrency"`
	Force       bool   `json:"force,omitempty"`
}

func (AuditExecutionStart) auditEvent() string { return "execution_start" }

type AuditExecutionEnd struct {
	Workspace string `json:"workspace"`
	Execution string `json:"execution"`
	Status    string `json:"status"`
	Executed  int    `json:"executed"`
	Cached    int    `json:"cached"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

func (AuditExecutionEnd) auditEvent() string { return "execution_end" }

type AuditGC struct {
	DeletedObjects  int   `json:"deleted_objects"`
	DeletedPartials int   `json:"deleted_partials"`
	BytesFreed      int64 `json:"bytes_freed"`
}

func (AuditGC) auditEvent() string { return "gc" }

// NewAuditLogger creates an audit logger writing to path with rotation.
func NewAuditLogger(path string) *AuditLogger {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     365, // days
		Compress:   true,
	}
	return &AuditLogger{
		writer: writer,
		enc:    goccy.NewEncoder(writer),
	}
}

// Log appends one structured entry. All AuditData implementations are typed
// structs defined in this package with JSON-safe fields, so an encoding
// failure indicates a programming error.
func (a *AuditLogger) Log(data AuditData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(AuditEntry{
		Time:  time.Now().UTC().Format(time.RFC3339Nano),
		Event: data.auditEvent(),
		Data:  data,
	}); err != nil {
		panic(fmt.Sprintf("audit log encode failed: %v", err))
	}
}

// Close closes the audit log file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}
