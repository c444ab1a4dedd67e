// Package cmd implements the foldwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/foldwatch/internal/config"
	"github.com/3leaps/foldwatch/internal/observability"
	"github.com/3leaps/foldwatch/internal/server/handlers"
	"github.com/3leaps/foldwatch/pkg/artifact"
	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

const appName = "foldwatch"

// exitJobFailed is returned by commands that follow a job which ended Failed.
const exitJobFailed = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile    string
	verbose    bool
	backendURL string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Submit protein structure predictions and follow them to completion",
	Long: `foldwatch talks to a structure prediction backend: it submits sequences,
polls job status, downloads finished structure files and can serve the same
views over a local HTTP API.

Configuration is read from foldwatch.yaml, a .env file and FOLDWATCH_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(appName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./foldwatch.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Backend base URL (overrides backend.url)")
}

// Execute runs the root command. Callers pass the returned error to ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx; cancelling ctx stops
// long-running commands such as watch and serve.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// ExitCodeError carries the process exit code for a failed command.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	if err != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Error(message, zap.Int("exit_code", code))
	}
	observability.Sync()
	os.Exit(code)
}

// loadConfig reads configuration and applies command-line overrides. Later
// maps in extra win over earlier ones and over --backend.
func loadConfig(cmd *cobra.Command, extra ...map[string]any) (*config.Config, error) {
	overrides := map[string]any{}
	if strings.TrimSpace(backendURL) != "" {
		overrides["backend"] = map[string]any{"url": backendURL}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, append([]map[string]any{overrides}, extra...)...)
	if err != nil {
		return nil, err
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("config_file", config.ConfigFileUsed()),
		zap.String("backend", cfg.Backend.URL))
	return cfg, nil
}

// newClient builds the backend client from configuration.
func newClient(cfg *config.Config, logger *zap.Logger) (*gateway.Client, error) {
	return gateway.New(gateway.Config{
		BaseURL:   cfg.Backend.URL,
		Timeout:   cfg.Backend.RequestTimeout,
		RateLimit: cfg.Backend.RateLimit,
		Logger:    logger,
	})
}

// newTracker builds a client and a tracker on top of it.
func newTracker(cfg *config.Config, logger *zap.Logger) (*gateway.Client, *jobregistry.Tracker, error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	tracker := jobregistry.NewTracker(client, jobregistry.TrackerConfig{
		DegradedAfter: cfg.Polling.DegradedAfter,
		Logger:        logger,
	})
	return client, tracker, nil
}

// setup is the common preamble of commands that talk to the backend.
func setup(cmd *cobra.Command) (*config.Config, *gateway.Client, *jobregistry.Tracker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	client, tracker, err := newTracker(cfg, observability.CLILogger)
	if err != nil {
		return nil, nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid backend configuration", err)
	}
	return cfg, client, tracker, nil
}

func artifactOptions(cfg *config.Config) artifact.Options {
	return artifact.Options{
		Region:         cfg.S3.Region,
		Endpoint:       cfg.S3.Endpoint,
		Profile:        cfg.S3.Profile,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	}
}
