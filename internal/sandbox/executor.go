package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/security"
)

const defaultCleanupGrace = 5 * time.Second

// UsageEstimator derives the resource-usage report for a completed run.
// The default estimates from wall time and the configured limits;
// deployments with cgroup accounting can plug in real measurement.
type UsageEstimator func(duration time.Duration, limits ResourceLimits) map[string]float64

func defaultUsageEstimate(d time.Duration, limits ResourceLimits) map[string]float64 {
	return map[string]float64{
		"wall_time_ms":        float64(d.Milliseconds()),
		"cpu_time_estimate_s": d.Seconds() * limits.MaxCPUFraction,
		"memory_limit_mb":     float64(limits.MaxMemoryMB),
	}
}

// Config configures the Executor. All values come from the external
// configuration collaborator; the executor owns none of them.
type Config struct {
	SecurityLevel security.Level
	DefaultLimits ResourceLimits
	FastTestMode  bool
	Container     ContainerConfig
	CleanupGrace  time.Duration
}

// resourceHandle correlates an execution ID with backend resources that
// may need later teardown. Once Run has returned it is a placeholder
// for deferred teardown (container remnants, named volumes), not a
// running-process handle.
type resourceHandle struct {
	containerName string
	volumePrefix  string
	backend       string
	registeredAt  time.Time
	cleaning      bool
}

// Executor is the single entry point for sandboxed command execution:
// it validates, selects a backend, enforces the timeout, diffs the
// workspace, and owns asynchronous cleanup of backend resources.
//
// The active-resources map is the only mutable state shared across
// calls; every access happens under mu. Cleanup may run concurrently
// with other executions at any time.
type Executor struct {
	validator *security.Validator
	container *ContainerBackend
	local     *LocalBackend

	containerAvailable bool
	defaultLimits      ResourceLimits
	cleanupGrace       time.Duration
	usage              UsageEstimator
	logger             *slog.Logger

	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	audit   *security.AuditLogger

	mu     sync.Mutex
	active map[string]*resourceHandle

	totalExecutions atomic.Int64
}

// NewExecutor builds an Executor from config. The container runtime is
// probed exactly once here; availability is not re-checked per call.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.DefaultLimits.withDefaults(DefaultLimits())
	grace := cfg.CleanupGrace
	if grace <= 0 {
		grace = defaultCleanupGrace
	}

	container := NewContainerBackend(cfg.Container, logger)
	available := container.Available(context.Background())
	if !available {
		logger.Warn("container runtime unavailable, falling back to local sandbox",
			slog.String("runtime", container.config.Runtime),
		)
	}

	return &Executor{
		validator:          security.NewValidator(cfg.SecurityLevel, logger),
		container:          container,
		local:              NewLocalBackend(LocalConfig{FastTestMode: cfg.FastTestMode}, logger),
		containerAvailable: available,
		defaultLimits:      limits,
		cleanupGrace:       grace,
		usage:              defaultUsageEstimate,
		logger:             logger,
		active:             make(map[string]*resourceHandle),
	}
}

// WithObservability attaches a metrics collector and tracer. The
// executor records into them but never exports; serving /metrics or
// shipping spans is the host's concern.
func (e *Executor) WithObservability(m *observability.MetricsCollector, tracer trace.Tracer) *Executor {
	e.metrics = m
	e.tracer = tracer
	return e
}

// WithAuditLogger attaches an append-only execution audit trail.
func (e *Executor) WithAuditLogger(a *security.AuditLogger) *Executor {
	e.audit = a
	return e
}

// WithUsageEstimator replaces the duration-based resource-usage
// estimate with caller-supplied measurement.
func (e *Executor) WithUsageEstimator(est UsageEstimator) *Executor {
	if est != nil {
		e.usage = est
	}
	return e
}

// Validator exposes the validator for runtime whitelist additions.
func (e *Executor) Validator() *security.Validator { return e.validator }

// Execute validates and runs one command against one workspace. All
// security and execution failures are reported as data on the result;
// the returned error is non-nil only for programmer errors such as a
// missing workspace path.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.WorkspaceDir == "" {
		return nil, errors.New("workspace directory is required")
	}
	if info, err := os.Stat(req.WorkspaceDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace directory %q is not a directory", req.WorkspaceDir)
	}

	id := uuid.NewString()
	e.totalExecutions.Add(1)

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(attribute.String("execution.id", id)),
		)
		defer span.End()
	}

	// 1. Validate. A blocked command returns immediately: no backend
	// call, no resource registration.
	outcome := e.validator.Validate(req.Command)
	if !outcome.IsSafe {
		e.recordMetrics("none", "blocked", 0)
		result := &ExecutionResult{
			ExecutionID:     id,
			CommandExecuted: req.Command,
			ExitCode:        ExitCodeBlocked,
			Stderr:          "Command blocked: " + outcome.BlockedReason,
			Warnings:        outcome.Warnings,
		}
		e.recordAudit(ctx, result, outcome, "")
		return result, nil
	}

	// 2. Resolve limits, timeout, and backend.
	limits := e.defaultLimits
	if req.Limits != nil {
		limits = req.Limits.withDefaults(e.defaultLimits)
	}
	timeoutSec := req.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = limits.MaxExecutionSeconds
	}
	timeout := time.Duration(timeoutSec) * time.Second

	var backend Backend = e.local
	usedLocal := true
	if e.containerAvailable {
		backend = e.container
		usedLocal = false
	}

	// 3. Snapshot the workspace for diffing.
	before, err := TakeSnapshot(req.WorkspaceDir)
	if err != nil {
		e.recordMetrics(backend.Name(), "fault", 0)
		return &ExecutionResult{
			ExecutionID:     id,
			CommandExecuted: outcome.SanitizedCommand,
			ExitCode:        1,
			Stderr:          err.Error(),
			Warnings:        outcome.Warnings,
		}, nil
	}

	// 4. Run under a single cancellable wait: process exit or timeout,
	// whichever first. The backend kills its process or container on
	// cancellation and only returns after it is reaped, so a timeout is
	// never reported while the underlying process is still running.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runRes, runErr := backend.Run(runCtx, id, outcome.SanitizedCommand, req.WorkspaceDir, limits, req.Env)
	// A run that produced a result is a completion even when the
	// deadline fired in the same instant; only a failed run counts as
	// timed out.
	timedOut := runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	result := &ExecutionResult{
		ExecutionID:     id,
		CommandExecuted: outcome.SanitizedCommand,
	}

	switch {
	case timedOut:
		result.ExitCode = ExitCodeTimeout
		result.Stderr = "Execution timed out"
		result.DurationMillis = int64(timeoutSec) * 1000
		e.recordMetrics(backend.Name(), "timeout", timeout)

	case runErr != nil:
		result.ExitCode = 1
		result.Stderr = runErr.Error()
		e.recordMetrics(backend.Name(), "fault", 0)

	default:
		result.ExitCode = runRes.ExitCode
		result.Stdout = runRes.Stdout
		result.Stderr = runRes.Stderr
		result.DurationMillis = runRes.Duration.Milliseconds()
		result.ResourceUsage = e.usage(runRes.Duration, limits)
		result.BackendResourceID = runRes.ResourceID
		result.Warnings = append(result.Warnings, runRes.Warnings...)

		// 5. Diff the workspace against the pre-run snapshot. The
		// container backend has already synchronized its staging copy
		// back by the time Run returns.
		after, snapErr := TakeSnapshot(req.WorkspaceDir)
		if snapErr != nil {
			result.Warnings = append(result.Warnings, "filesystem diff unavailable: "+snapErr.Error())
		} else {
			result.FilesCreated, result.FilesModified = before.Diff(after)
		}
		e.recordMetrics(backend.Name(), "completed", runRes.Duration)
	}

	result.Warnings = append(result.Warnings, outcome.Warnings...)
	if usedLocal {
		result.Warnings = append(result.Warnings, WarningLocalSandbox)
	}

	// 6. Register the handle for deferred teardown. Container remnants
	// and named volumes outlive Run; local runs register an empty
	// handle so the bookkeeping contract is uniform.
	handle := &resourceHandle{
		backend:      backend.Name(),
		registeredAt: time.Now(),
	}
	if !usedLocal {
		handle.containerName = ContainerName(id)
		handle.volumePrefix = VolumePrefix(id)
	}
	e.mu.Lock()
	e.active[id] = handle
	e.mu.Unlock()
	e.setActiveGauge()

	e.recordAudit(ctx, result, outcome, backend.Name())
	return result, nil
}

// recordAudit appends the execution to the audit trail, if one is
// attached. Audit failures are logged, never propagated.
func (e *Executor) recordAudit(ctx context.Context, result *ExecutionResult, outcome security.ValidationOutcome, backendName string) {
	if e.audit == nil {
		return
	}
	err := e.audit.LogExecution(ctx, security.AuditEvent{
		ExecutionID:    result.ExecutionID,
		Command:        result.CommandExecuted,
		Risk:           outcome.Risk.String(),
		Blocked:        !outcome.IsSafe,
		BlockedReason:  outcome.BlockedReason,
		Backend:        backendName,
		ExitCode:       result.ExitCode,
		DurationMillis: result.DurationMillis,
		Warnings:       result.Warnings,
	})
	if err != nil {
		e.logger.Error("audit logging failed", slog.String("error", err.Error()))
	}
}

// Cleanup tears down backend resources registered under the execution
// ID. Best-effort: it never fails, a second call for the same ID is a
// no-op, and the bookkeeping entry is removed no matter what the
// underlying teardown does.
func (e *Executor) Cleanup(id string) {
	e.mu.Lock()
	handle, ok := e.active[id]
	if !ok || handle.cleaning {
		e.mu.Unlock()
		return
	}
	handle.cleaning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		e.setActiveGauge()
	}()

	if handle.containerName != "" {
		ctx := context.Background()
		e.container.Teardown(ctx, handle.containerName, e.cleanupGrace)
		e.container.RemoveVolumes(ctx, handle.volumePrefix)
	}

	if e.metrics != nil {
		e.metrics.CleanupsTotal.WithLabelValues(handle.backend).Inc()
	}
	e.logger.Info("cleanup complete",
		slog.String("execution_id", id),
		slog.String("backend", handle.backend),
	)
}

// CleanupAll runs Cleanup for every registered execution concurrently
// and waits for all of them. Individual failures are logged inside
// Cleanup, never propagated.
func (e *Executor) CleanupAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.Cleanup(id)
		}(id)
	}
	wg.Wait()
}

// CleanupStale cleans every handle registered longer than maxAge ago.
// Used by the host's reaper; handles younger than maxAge are left for
// their owner to clean.
func (e *Executor) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	var stale []string
	for id, h := range e.active {
		if h.registeredAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range stale {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.Cleanup(id)
		}(id)
	}
	wg.Wait()
	return len(stale)
}

// ExecutorStats is the observability snapshot consumed by the external
// metrics collaborator.
type ExecutorStats struct {
	TotalExecutions           int64          `json:"total_executions"`
	ActiveResourceCount       int            `json:"active_resource_count"`
	ContainerRuntimeAvailable bool           `json:"container_runtime_available"`
	Validator                 security.Stats `json:"validator"`
}

// Stats returns a point-in-time snapshot of executor counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	return ExecutorStats{
		TotalExecutions:           e.totalExecutions.Load(),
		ActiveResourceCount:       active,
		ContainerRuntimeAvailable: e.containerAvailable,
		Validator:                 e.validator.Stats(),
	}
}

func (e *Executor) recordMetrics(backend, status string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	if status == "completed" || status == "timeout" {
		e.metrics.ExecutionDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
	result := "approved"
	if status == "blocked" {
		result = "blocked"
	}
	e.metrics.SecurityChecksTotal.WithLabelValues(result).Inc()
}

func (e *Executor) setActiveGauge() {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	n := len(e.active)
	e.mu.Unlock()
	e.metrics.ActiveResources.Set(float64(n))
}
