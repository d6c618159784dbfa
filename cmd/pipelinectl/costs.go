package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/app"
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Print per-model completion totals",
	RunE:  runCosts,
}

var costsSince time.Duration

func init() {
	costsCmd.Flags().DurationVar(&costsSince, "since", 24*time.Hour, "Window to summarize")
	rootCmd.AddCommand(costsCmd)
}

func runCosts(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	totals, err := rt.Store.CompletionTotals(cmd.Context(), time.Now().Add(-costsSince))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCALLS\tFAILURES\tINPUT\tOUTPUT\tCOST USD")
	for _, t := range totals {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.4f\n", t.Model, t.Calls, t.Failures, t.InputTokens, t.OutputTokens, t.CostUSD)
	}
	return tw.Flush()
}
