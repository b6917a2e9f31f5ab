package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/domain/credit"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsListCmd)

	rootCmd.AddCommand(migrateCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run ledger maintenance jobs",
}

var jobsRunCmd = &cobra.Command{
	Use:   "run JOB",
	Short: "Run one maintenance job now",
	Long: `Run one maintenance job to completion. Jobs take the same lock as the
worker, so a run while the worker holds it is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRun,
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	job, err := credit.ParseJob(args[0])
	if err != nil {
		return fmt.Errorf("%w (known: %s)", err, jobNames())
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		start := time.Now()
		n, err := a.Scheduler.RunJob(ctx, job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: processed %d in %s\n", job, n, time.Since(start).Round(time.Millisecond))
		return nil
	})
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance jobs and their default intervals",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, job := range credit.Jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s every %s\n", job, credit.DefaultIntervals[job])
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// app.New migrates on start
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.Config.DatabaseDriver)
			return nil
		})
	},
}

func jobNames() string {
	names := make([]string, 0, len(credit.Jobs))
	for _, job := range credit.Jobs {
		names = append(names, string(job))
	}
	return strings.Join(names, ", ")
}
