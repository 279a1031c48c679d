package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// WarningLocalSandbox is appended to every result produced by the local
// backend. Running without a container runtime is an explicit, logged
// degradation of the isolation guarantee.
const WarningLocalSandbox = "executed in local sandbox: isolation guarantees reduced"

// warningInstallSkipped marks synthetic results from fast test mode.
const warningInstallSkipped = "dependency installation skipped (fast test mode)"

// LocalConfig configures the process-based fallback backend.
type LocalConfig struct {
	// Shell interprets the sanitized command. Default: /bin/sh.
	Shell string

	// FastTestMode skips commands recognized as pure dependency
	// installation, returning a synthetic success. A throughput
	// optimization for test-heavy pipelines, never a correctness
	// feature; it is never applied to non-installation commands.
	FastTestMode bool
}

// LocalBackend executes commands as child processes with the workspace
// as working directory. Isolation relies on ulimit resource limits and
// process-group containment only; there is no namespace or filesystem
// isolation, which is why every result carries WarningLocalSandbox.
type LocalBackend struct {
	shell        string
	fastTestMode bool
	logger       *slog.Logger
}

// NewLocalBackend creates the process-based backend.
func NewLocalBackend(cfg LocalConfig, logger *slog.Logger) *LocalBackend {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		shell:        shell,
		fastTestMode: cfg.FastTestMode,
		logger:       logger,
	}
}

func (b *LocalBackend) Name() string { return "local" }

// installPrefixes are command shapes recognized as pure dependency
// installation for fast test mode. Prefix match on the sanitized
// command; anything else always executes.
var installPrefixes = []string{
	"npm install", "npm ci", "yarn install", "pnpm install",
	"pip install", "pip3 install", "poetry install",
	"go mod download", "go mod tidy",
	"bundle install", "composer install",
	"apt-get install", "apk add", "cargo fetch",
}

// isInstallCommand reports whether the command is pure dependency
// installation (no chaining with anything else).
func isInstallCommand(command string) bool {
	if strings.ContainsAny(command, ";|&") {
		return false
	}
	for _, p := range installPrefixes {
		if command == p || strings.HasPrefix(command, p+" ") {
			return true
		}
	}
	return false
}

// Run executes the command under the configured shell with ulimit
// resource enforcement, the workspace as working directory, and a
// merged environment (process environment plus request overrides).
// The child runs in its own process group; the whole group is killed
// when ctx is cancelled, so no grandchild survives a timeout.
func (b *LocalBackend) Run(ctx context.Context, id, command, workspaceDir string, limits ResourceLimits, env map[string]string) (*RunResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	if b.fastTestMode && isInstallCommand(command) {
		b.logger.Info("fast test mode: skipping dependency installation",
			slog.String("execution_id", id),
			slog.String("command", command),
		)
		return &RunResult{
			ExitCode: 0,
			Warnings: []string{warningInstallSkipped},
		}, nil
	}

	// ulimit wrapping: virtual memory in KB, CPU seconds, file size in
	// 512-byte blocks. CPU fraction cannot be enforced without cgroups;
	// the CPU-seconds limit is the local approximation.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; ulimit -f %d 2>/dev/null; %s",
		limits.MaxMemoryMB*1024,
		limits.MaxExecutionSeconds,
		limits.MaxDiskMB*2048,
		command,
	)

	cmd := exec.CommandContext(ctx, b.shell, "-c", script)
	cmd.Dir = workspaceDir
	cmd.Env = mergedEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Negative PID = kill the entire process group.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Info("local sandbox executing",
		slog.String("execution_id", id),
		slog.String("command", command),
		slog.String("workspace", workspaceDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("local sandbox timed out",
				slog.String("execution_id", id),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("execution timed out after %s", duration.Round(time.Millisecond))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("local execution failed: %w", runErr)
		}
	}

	b.logger.Info("local sandbox completed",
		slog.String("execution_id", id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &RunResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// mergedEnv builds the child environment: the full process environment
// with request overrides layered on top. The local backend inherits the
// host environment on purpose; commands here need the caller's
// toolchain configuration to work at all.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
