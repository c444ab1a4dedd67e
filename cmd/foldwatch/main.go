package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/foldwatch/internal/cmd"
	"github.com/3leaps/foldwatch/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Errors raised before a command runs (bad flags) still need a logger.
	observability.InitCLILogger("foldwatch", false)
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		cmd.ExitWithCode(nil, cmd.ExitCode(err), "Command failed", err)
	}
	observability.Sync()
}
