// Package sandbox provides isolated execution environments for
// commands produced by the upstream planning component. Every command
// passes through the security validator and then runs inside a
// resource-bounded backend: an ephemeral container when a container
// runtime is available, a restricted local process otherwise.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Backend executes one approved command under a resource budget and
// returns raw execution telemetry. Implementations must not share
// mutable state across calls; the executor owns timeout enforcement
// through ctx, and backends must terminate their process or container
// before returning when ctx is cancelled.
type Backend interface {
	Name() string
	Run(ctx context.Context, id, command, workspaceDir string, limits ResourceLimits, env map[string]string) (*RunResult, error)
}

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeoutSeconds = 30
	defaultMemoryMB       = 512
	defaultCPUFraction    = 1.0
	defaultDiskMB         = 512
)

// ResourceLimits constrains a sandboxed execution. The zero value of a
// field means "use the backend default".
type ResourceLimits struct {
	MaxMemoryMB         int     `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUFraction      float64 `json:"max_cpu_fraction" yaml:"max_cpu_fraction"`
	MaxExecutionSeconds int     `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	MaxDiskMB           int     `json:"max_disk_mb" yaml:"max_disk_mb"`
	AllowNetwork        bool    `json:"allow_network" yaml:"allow_network"`
}

// DefaultLimits returns the executor-wide fallback limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:         defaultMemoryMB,
		MaxCPUFraction:      defaultCPUFraction,
		MaxExecutionSeconds: defaultTimeoutSeconds,
		MaxDiskMB:           defaultDiskMB,
	}
}

// withDefaults fills zero fields from the executor defaults.
func (l ResourceLimits) withDefaults(d ResourceLimits) ResourceLimits {
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = d.MaxMemoryMB
	}
	if l.MaxCPUFraction <= 0 {
		l.MaxCPUFraction = d.MaxCPUFraction
	}
	if l.MaxExecutionSeconds <= 0 {
		l.MaxExecutionSeconds = d.MaxExecutionSeconds
	}
	if l.MaxDiskMB <= 0 {
		l.MaxDiskMB = d.MaxDiskMB
	}
	return l
}

// ExecutionRequest defines one command to run against one workspace.
// Constructed per call, never persisted.
type ExecutionRequest struct {
	// Command is the raw, untrusted command string.
	Command string

	// WorkspaceDir is the project directory the command runs against.
	WorkspaceDir string

	// Limits overrides the executor default. Nil = use default.
	Limits *ResourceLimits

	// Env adds environment variables on top of the backend's base set.
	Env map[string]string

	// TimeoutSeconds overrides limits.MaxExecutionSeconds. Zero = no override.
	TimeoutSeconds int
}

// ExecutionResult captures everything the caller needs to log or
// display: a blocked command, a timeout, and a successful run are all
// reported through the same structure. Immutable once returned.
type ExecutionResult struct {
	ExecutionID       string             `json:"execution_id"`
	CommandExecuted   string             `json:"command_executed"`
	ExitCode          int                `json:"exit_code"`
	Stdout            string             `json:"stdout"`
	Stderr            string             `json:"stderr"`
	DurationMillis    int64              `json:"duration_ms"`
	ResourceUsage     map[string]float64 `json:"resource_usage,omitempty"`
	BackendResourceID string             `json:"backend_resource_id,omitempty"`
	FilesCreated      []string           `json:"files_created,omitempty"`
	FilesModified     []string           `json:"files_modified,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// ExitCodeTimeout is the POSIX timeout convention: every timed-out
// execution reports this exit code regardless of backend.
const ExitCodeTimeout = 124

// ExitCodeBlocked is the sentinel exit code for commands the validator
// rejected. No backend is ever invoked for these.
const ExitCodeBlocked = 1

// RunResult is the raw telemetry a backend returns from one run.
type RunResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	ResourceID string   // Backend resource handle (container name). Empty for local runs.
	Warnings   []string // Backend-specific notices (e.g. skipped installation).
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	keep := p
	if len(keep) > lw.remaining {
		keep = keep[:lw.remaining]
	}
	n, err := lw.w.Write(keep)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full slice as consumed so io.Copy never sees a short write.
	return len(p), nil
}
