package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/app"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the validation and context caches",
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete cache entries older than the cleanup horizon",
	RunE:  runCacheCleanup,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <user-id>",
	Short: "Drop every cached validation and context of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInvalidate,
}

var cacheHorizon time.Duration

func init() {
	cacheCleanupCmd.Flags().DurationVar(&cacheHorizon, "horizon", 0, "Age beyond which entries are deleted (default: cache.cleanup_horizon)")
	cacheCmd.AddCommand(cacheCleanupCmd, cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	horizon := cacheHorizon
	if horizon <= 0 {
		horizon = cfg.Cache.CleanupHorizon
	}
	n, err := rt.Cache.Cleanup(cmd.Context(), horizon)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s cache entries older than %s\n", n, cfg.Cache.Backend, horizon)
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Cache.InvalidateUser(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "invalidated cache for %s\n", args[0])
	return nil
}
