package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/foldwatch/internal/config"
	"github.com/3leaps/foldwatch/internal/observability"
	"github.com/3leaps/foldwatch/pkg/artifact"
)

var (
	doctorProvider string
)

const doctorBackendTimeout = 10 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, the prediction backend and the
output destination, and suggest fixes for common issues.

Examples:
  foldwatch doctor                # Full environment check
  foldwatch doctor --provider s3  # Also check AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	ctx := cmd.Context()

	log.Info("=== " + appName + " doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	cfg, cfgErr := loadConfig(cmd)
	s3Output := cfgErr == nil && strings.HasPrefix(strings.ToLower(cfg.Output.Dir), "s3://")
	if doctorProvider == "s3" || s3Output {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Configuration
	if cfgErr != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, cfgErr))
		log.Info("")
		log.Info("Fix the configuration and run doctor again.")
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", cfgErr)
	}
	source := config.ConfigFileUsed()
	if source == "" {
		source = "defaults + environment"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ %s", checkNum, totalChecks, source),
		zap.String("backend", cfg.Backend.URL))
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking config directory... ⚠️  Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 5: Backend
	if n, err := checkBackend(ctx, cfg); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking backend %s... ❌ %v", checkNum, totalChecks, cfg.Backend.URL, err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking backend %s... ✅ reachable (%d jobs)", checkNum, totalChecks, cfg.Backend.URL, n))
	}
	checkNum++

	// Check 6: Output destination
	if s3Output {
		log.Info(fmt.Sprintf("[%d/%d] Checking output destination... ✅ %s (S3)", checkNum, totalChecks, cfg.Output.Dir))
	} else if err := checkWritableDir(cfg.Output.Dir); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking output destination... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking output destination... ✅ %s is writable", checkNum, totalChecks, cfg.Output.Dir))
	}
	checkNum++

	if doctorProvider == "s3" || s3Output {
		allChecks = runS3Checks(ctx, cfg, checkNum, totalChecks) && allChecks
	}

	log.Info("")
	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		log.Info("")
		log.Info("=== End Diagnostics ===")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", appName))
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// checkBackend lists the job history once and returns its length.
func checkBackend(ctx context.Context, cfg *config.Config) (int, error) {
	client, err := newClient(cfg, observability.CLILogger)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, doctorBackendTimeout)
	defer cancel()
	items, err := client.History(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// checkWritableDir verifies dir exists (or can be created) and accepts files.
func checkWritableDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".foldwatch-doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	awsCfg, err := artifact.LoadAWSConfig(ctx, artifact.S3Config{
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
		Profile:  cfg.S3.Profile,
	})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("region", awsCfg.Region))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set s3.profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - s3.endpoint (FOLDWATCH_S3_ENDPOINT) and s3.force_path_style")
	observability.CLILogger.Info("")
}
