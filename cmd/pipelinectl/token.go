package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed API token for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var tokenTTL time.Duration

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt_secret is not configured")
	}
	token, err := auth.New(cfg.JWTSecret, tokenTTL).Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
