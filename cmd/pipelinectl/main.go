// Command pipelinectl runs operator tasks against the resource pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/app"
	"resource-pipeline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "pipelinectl",
	Short:         "Operator tool for the resource generation pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig is replaced in tests.
var loadConfig = func() (config.Config, error) { return app.LoadConfig() }
