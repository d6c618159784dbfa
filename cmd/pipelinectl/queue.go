package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/app"
	"resource-pipeline/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect job queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats [queue]",
	Short: "Print job counts per state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueStats,
}

var queueJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Print one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueJob,
}

func init() {
	queueCmd.AddCommand(queueStatsCmd, queueJobCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	names := models.QueueNames
	if len(args) == 1 {
		names = args
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
	for _, name := range names {
		st, err := rt.Queue.Stats(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", name, st.Waiting, st.Active, st.Delayed, st.Completed, st.Failed)
	}
	return tw.Flush()
}

func runQueueJob(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	job, err := rt.Queue.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:        %s\nqueue:     %s\ncaller:    %s\nstatus:    %s\nprogress:  %d%%\nattempts:  %d/%d\n",
		job.ID, job.QueueName, job.CallerID, job.Status, job.Progress, job.AttemptsMade, job.MaxAttempts)
	if job.FailureReason != nil {
		fmt.Fprintf(out, "reason:    %s\n", *job.FailureReason)
	}
	if len(job.Result) > 0 {
		fmt.Fprintf(out, "result:    %s\n", job.Result)
	}
	return nil
}
