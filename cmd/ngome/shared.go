package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/security"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds the initialized subsystems every mode needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability
	Executor  *sandbox.Executor

	// DefaultWorkspace is the project directory used when a request
	// does not name one.
	DefaultWorkspace string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the initialization shared between serve, run, and
// mcp modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Runtime workspace (staging dirs, logs).
	ws, err := workspace.Default()
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace directories: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Default project directory for commands.
	sc.DefaultWorkspace = cfg.Workspace
	if sc.DefaultWorkspace == "" {
		sc.DefaultWorkspace = ws.ExecutionDir("scratch")
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("workspace", func(_ context.Context) error {
			_, statErr := os.Stat(ws.Root)
			return statErr
		})
	}

	// Executor.
	stagingRoot := cfg.Sandbox.StagingRoot
	if stagingRoot == "" {
		stagingRoot = ws.StagingDir()
	}
	exec := sandbox.NewExecutor(sandbox.Config{
		SecurityLevel: security.ParseLevel(cfg.Security.Level),
		DefaultLimits: sandbox.ResourceLimits{
			MaxMemoryMB:         cfg.Limits.MaxMemoryMB,
			MaxCPUFraction:      cfg.Limits.MaxCPUFraction,
			MaxExecutionSeconds: cfg.Limits.MaxExecutionSeconds,
			MaxDiskMB:           cfg.Limits.MaxDiskMB,
			AllowNetwork:        cfg.Limits.AllowNetwork,
		},
		FastTestMode: cfg.Sandbox.FastTestMode,
		Container: sandbox.ContainerConfig{
			Runtime:     cfg.Sandbox.Runtime,
			Image:       cfg.Sandbox.Image,
			PIDsLimit:   cfg.Sandbox.PIDsLimit,
			StagingRoot: stagingRoot,
		},
		CleanupGrace: time.Duration(cfg.Sandbox.CleanupGraceSeconds) * time.Second,
	}, logger)
	if obs != nil {
		exec = exec.WithObservability(obs.MetricsCollectorOrNil(), obs.TracerOrNil())
	}
	// Append-only execution audit trail.
	audit, err := security.NewAuditLogger(ws.AuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	exec = exec.WithAuditLogger(audit)
	sc.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	sc.Executor = exec
	sc.addCleanup(exec.CleanupAll)

	// Runtime whitelist extensions from config.
	for _, name := range cfg.Security.ExtraWhitelist {
		if err := exec.Validator().AddWhitelistCommand(name); err != nil {
			logger.Warn("skipping invalid whitelist entry",
				slog.String("command", name),
				slog.String("error", err.Error()),
			)
		}
	}

	return sc, nil
}
