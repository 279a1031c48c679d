package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/httpapi"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/reaper"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Ngome in server mode: HTTP API over the executor,
// plus the stale-resource reaper when configured.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.ListenAddr = servePort
	}
	if cfg.Server == nil || cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server mode requires server.listen_addr in config (or --port)")
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stale-resource reaper (optional).
	if cfg.Server.Reaper != nil {
		r, err := reaper.New(reaper.Config{
			Schedule: cfg.Server.Reaper.Schedule,
			MaxAge:   time.Duration(cfg.Server.Reaper.MaxAgeSeconds) * time.Second,
		}, sc.Executor, logger)
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		defer r.Stop()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:       cfg.Server.ListenAddr,
		EnableDocs:       cfg.Server.EnableDocs,
		APIKeys:          cfg.Server.APIKeys,
		DefaultWorkspace: sc.DefaultWorkspace,
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.Tracer = sc.Obs.TracerOrNil()
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
	}
	gw := httpapi.NewGateway(gwCfg, sc.Executor, limiter, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
