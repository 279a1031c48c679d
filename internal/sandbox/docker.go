package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultContainerRuntime = "docker"
	defaultContainerImage   = "ngome-runtime:latest"
	defaultPIDsLimit        = 64
	defaultMountPoint       = "/workspace"
	defaultSandboxUID       = 65534 // nobody
	probeTimeout            = 5 * time.Second
)

// ContainerConfig configures the container-based backend.
type ContainerConfig struct {
	Runtime    string // Container runtime CLI. Default: "docker".
	Image      string // Trusted base image the command runs in.
	Shell      string // Shell inside the image. Default: /bin/sh.
	PIDsLimit  int    // --pids-limit (prevents fork bombs).
	MountPoint string // In-sandbox bind-mount path for the staging dir.

	// StagingRoot is the directory staging copies are created under.
	// Empty = os.TempDir().
	StagingRoot string
}

// ContainerBackend executes commands inside ephemeral containers.
//
// Isolation per run:
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Fixed low-privilege UID (--user=65534:65534)
//   - Network disabled unless the limits allow it (--network=none)
//   - Memory hard limit with swap disabled, CPU fraction, pids limit,
//     file-size ulimit translated from ResourceLimits
//   - The command only ever sees a staging copy of the workspace,
//     bind-mounted read-write and synchronized back after the run
//   - Container force-removed even when --rm does not fire
type ContainerBackend struct {
	config ContainerConfig
	logger *slog.Logger
}

// NewContainerBackend creates a container-based backend. Call Available
// once at executor construction to probe the runtime; the result is not
// re-checked per call.
func NewContainerBackend(cfg ContainerConfig, logger *slog.Logger) *ContainerBackend {
	if cfg.Runtime == "" {
		cfg.Runtime = defaultContainerRuntime
	}
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = defaultMountPoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerBackend{config: cfg, logger: logger}
}

func (b *ContainerBackend) Name() string { return "container" }

// Available probes the container runtime once. A short `docker version`
// round-trip proves both the CLI and the daemon are reachable.
func (b *ContainerBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, b.config.Runtime, "version").Run(); err != nil {
		b.logger.Info("container runtime unavailable",
			slog.String("runtime", b.config.Runtime),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// ContainerName derives the deterministic container name for an
// execution ID, so cleanup can target the container even when the run
// itself failed before reporting a handle.
func ContainerName(id string) string {
	return "ngome-sbx-" + shortID(id)
}

// VolumePrefix is the naming convention for auxiliary named volumes
// belonging to an execution; Cleanup sweeps volumes by this prefix.
func VolumePrefix(id string) string {
	return "ngome-vol-" + shortID(id)
}

func shortID(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Run copies the workspace into a staging directory, executes the
// command in an ephemeral container with the staging directory
// bind-mounted read-write, then copies the staging directory back over
// the real workspace. The staging directory is removed on all exit
// paths.
func (b *ContainerBackend) Run(ctx context.Context, id, command, workspaceDir string, limits ResourceLimits, env map[string]string) (*RunResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	staging, err := os.MkdirTemp(b.config.StagingRoot, "ngome-staging-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			b.logger.Warn("failed to remove staging dir",
				slog.String("dir", staging),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := copyTree(workspaceDir, staging); err != nil {
		return nil, fmt.Errorf("staging workspace: %w", err)
	}

	containerName := ContainerName(id)
	args := b.buildRunArgs(containerName, staging, limits, env)
	args = append(args, b.config.Image, b.config.Shell, "-c", command)

	cmd := exec.CommandContext(ctx, b.config.Runtime, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Info("container sandbox executing",
		slog.String("execution_id", id),
		slog.String("container", containerName),
		slog.String("image", b.config.Image),
		slog.String("command", command),
		slog.Int("memory_mb", limits.MaxMemoryMB),
		slog.Float64("cpus", limits.MaxCPUFraction),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: force remove in case --rm didn't fire (OOM kill,
	// daemon restart, context cancel race).
	b.forceRemoveContainer(containerName)

	// Synchronize the staging copy back over the real workspace even
	// after a kill; partial side effects are part of the audit trail.
	if err := copyTree(staging, workspaceDir); err != nil {
		b.logger.Warn("failed to synchronize staging dir back to workspace",
			slog.String("workspace", workspaceDir),
			slog.String("error", err.Error()),
		)
	}

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("container sandbox timed out",
				slog.String("execution_id", id),
				slog.String("container", containerName),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("execution timed out after %s", duration.Round(time.Millisecond))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("container execution failed: %w", runErr)
		}
	}

	b.logger.Info("container sandbox completed",
		slog.String("execution_id", id),
		slog.String("container", containerName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &RunResult{
		ExitCode:   exitCode,
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		Duration:   duration,
		ResourceID: containerName,
	}, nil
}

// buildRunArgs constructs the `docker run` argument list with all
// hardening flags. Image and command are appended by the caller.
func (b *ContainerBackend) buildRunArgs(name, staging string, limits ResourceLimits, env map[string]string) []string {
	memoryFlag := strconv.Itoa(limits.MaxMemoryMB) + "m"
	user := fmt.Sprintf("%d:%d", defaultSandboxUID, defaultSandboxUID)

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=" + user,

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = no swap, OOM kill on exceed.
		"--cpus=" + strconv.FormatFloat(limits.MaxCPUFraction, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(b.config.PIDsLimit),
		"--ulimit=fsize=" + strconv.Itoa(limits.MaxDiskMB*1024*1024),

		"--volume=" + staging + ":" + b.config.MountPoint + ":rw",
		"--workdir=" + b.config.MountPoint,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// Sanitized environment, no host inheritance.
		"--env", "HOME=" + b.config.MountPoint,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if limits.AllowNetwork {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}

	return args
}

// Teardown stops the container gracefully within the grace period, then
// force-removes it. Both steps are best-effort; errors are logged and
// swallowed.
func (b *ContainerBackend) Teardown(ctx context.Context, containerName string, grace time.Duration) {
	graceSec := int(grace.Seconds())
	if graceSec < 1 {
		graceSec = 1
	}
	stopCtx, cancel := context.WithTimeout(ctx, grace+probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(stopCtx, b.config.Runtime, "stop", "-t", strconv.Itoa(graceSec), containerName).CombinedOutput()
	if err != nil && !isNoSuchContainer(out) {
		b.logger.Warn("container stop failed, forcing removal",
			slog.String("container", containerName),
			slog.String("error", err.Error()),
		)
	}
	b.forceRemoveContainer(containerName)
}

// forceRemoveContainer removes a container by name. "No such container"
// is expected when --rm already cleaned up.
func (b *ContainerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.config.Runtime, "rm", "--force", name).CombinedOutput()
	if err != nil && !isNoSuchContainer(out) {
		b.logger.Warn("container force-remove failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// RemoveVolumes removes auxiliary named volumes whose names carry the
// given prefix. Individual removal failures are logged and swallowed.
func (b *ContainerBackend) RemoveVolumes(ctx context.Context, prefix string) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.config.Runtime, "volume", "ls", "--filter", "name="+prefix, "--quiet").Output()
	if err != nil {
		b.logger.Warn("volume listing failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, name := range strings.Fields(string(out)) {
		if rmErr := exec.CommandContext(ctx, b.config.Runtime, "volume", "rm", name).Run(); rmErr != nil {
			b.logger.Warn("volume removal failed",
				slog.String("volume", name),
				slog.String("error", rmErr.Error()),
			)
		}
	}
}

func isNoSuchContainer(out []byte) bool {
	return bytes.Contains(out, []byte("No such container"))
}

// copyTree copies src into dst recursively, preserving file modes.
// Regular files, directories, and symlinks are carried; everything else
// (sockets, devices) is skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}
