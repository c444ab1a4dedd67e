package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/foldwatch/internal/config"
	"github.com/3leaps/foldwatch/internal/observability"
	"github.com/3leaps/foldwatch/internal/server"
	"github.com/3leaps/foldwatch/internal/server/handlers"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
	"github.com/3leaps/foldwatch/pkg/progress"
)

// shutdownGrace applies when server.shutdown_timeout is unset.
const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job views over a local HTTP API",
	Long: `Run the polling loop in the background and expose the dashboard, history,
result and submission views as JSON over HTTP.

Endpoints:
  GET    /api/v1/dashboard
  GET    /api/v1/jobs?status=&search=&limit=
  POST   /api/v1/jobs                 {"sequence": "..."}
  GET    /api/v1/jobs/{id}
  GET    /api/v1/jobs/{id}/download
  GET    /api/v1/jobs/{id}/structure
  DELETE /api/v1/jobs/{id}/watch
  GET    /api/v1/connectivity
  GET    /health, /health/live, /health/ready, /health/startup, /version`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringSlice("cors-origin", nil, "Allowed browser origin (repeatable; overrides server.cors_origins)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		srv["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		srv["port"] = port
	}
	if cmd.Flags().Changed("cors-origin") {
		origins, _ := cmd.Flags().GetStringSlice("cors-origin")
		srv["cors_origins"] = origins
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.InitServerLogger(appName, level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger
	defer observability.Sync()

	_, tracker, err := newTracker(cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid backend configuration", err)
	}

	scheduler := jobregistry.NewScheduler(tracker, jobregistry.SchedulerConfig{
		HistoryInterval: cfg.Polling.HistoryInterval,
		StatusInterval:  cfg.Polling.StatusInterval,
		PollTerminal:    cfg.Polling.PollTerminal,
		Logger:          logger,
	})
	jobs := handlers.NewJobs(tracker, scheduler, progress.NewBoard(cfg.Polling.ProgressInterval), logger)

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("backend", handlers.ConnectivityChecker{Tracker: tracker})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appName,
		envPrefix:  config.EnvPrefix,
		configName: config.AppName,
	})
	health.RegisterChecker("signals", signalHealthChecker{})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(jobs),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	logger.Info("Starting foldwatch server",
		zap.String("addr", srv.Addr()),
		zap.String("backend", cfg.Backend.URL),
		zap.String("version", versionInfo.Version))

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = shutdownGrace
	}

	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down", zap.Duration("timeout", shutdownTimeout))
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped", err)
	}
	logger.Info("Server stopped")
	return nil
}

// signalHealthChecker reports healthy while the process is handling signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(_ context.Context) error {
	return nil
}

// identityHealthChecker verifies the names the process uses for its binary,
// environment and config file are set.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(_ context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}
