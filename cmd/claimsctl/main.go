package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/iago/claims-intake-back/internal/app"
	"github.com/iago/claims-intake-back/internal/config"
)

var Version = "dev"

// pipelineFactory builds the wired pipeline for a command run.
type pipelineFactory func(ctx context.Context, logger *log.Logger) (*app.App, error)

func defaultFactory(ctx context.Context, logger *log.Logger) (*app.App, error) {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	return app.New(ctx, config.Load(), logger)
}

func main() {
	if err := newRootCmd(defaultFactory, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(factory pipelineFactory, logOutput io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "claimsctl",
		Short:         "Operate the claim submission pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	logger := log.New(logOutput, "[claimsctl] ", log.LstdFlags|log.LUTC)
	rootCmd.AddCommand(importCmd(factory, logger))
	rootCmd.AddCommand(enqueueCmd(factory, logger))
	rootCmd.AddCommand(statusCmd(factory, logger))
	rootCmd.AddCommand(listCmd(factory, logger))
	rootCmd.AddCommand(resubmitCmd(factory, logger))
	rootCmd.AddCommand(dlqCmd(factory, logger))
	rootCmd.AddCommand(workerCmd(factory, logger))
	return rootCmd
}
