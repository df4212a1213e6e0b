package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	"github.com/JakeFAU/pdf-watcher/internal/report"
)

func addUserFlag(cmd *cobra.Command, user *string) {
	cmd.Flags().StringVar(user, "user", os.Getenv("USER"), "user recorded in the run log")
}

func newRunCmd() *cobra.Command {
	var (
		user      string
		parallel  bool
		batchSize int
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a monitoring run",
		Long: `Starts a new run over the source rows, or resumes the unfinished one.
The invocation stops at its time budget and schedules a continuation.

With --parallel the whole source is processed in one sweep of concurrent
batches without persisting any state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			orch := appInstance.Orchestrator()
			if !parallel {
				res, err := orch.Run(cmd.Context(), orchestrator.ModeStart, user)
				printResult(cmd.OutOrStdout(), res)
				return err
			}
			opts := appInstance.SweepOptions()
			if batchSize > 0 {
				opts.BatchSize = batchSize
			}
			if limit > 0 {
				opts.Limit = limit
			}
			res, err := orch.Sweep(cmd.Context(), user, opts)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	addUserFlag(cmd, &user)
	cmd.Flags().BoolVar(&parallel, "parallel", false, "process every page in one concurrent sweep")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "pages per sweep batch (default batch.parallel_size)")
	cmd.Flags().IntVar(&limit, "limit", 0, "concurrent sweep batches (default batch.parallel_limit)")
	return cmd
}

func newContinueCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resumes the unfinished run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Orchestrator().Run(cmd.Context(), orchestrator.ModeContinue, user)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	addUserFlag(cmd, &user)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows the stored run state and pending continuations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := appInstance.Orchestrator().Status(cmd.Context())
			if err != nil {
				return err
			}
			report.RenderStatus(cmd.OutOrStdout(), snap.State, snap.Pending, time.Now())
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancels the unfinished run and its continuations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Orchestrator().Cancel(cmd.Context(), user)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	addUserFlag(cmd, &user)
	return cmd
}

func printResult(w io.Writer, res orchestrator.Result) {
	fmt.Fprintf(w, "outcome: %s\n", res.Outcome)
	if res.RunID != "" {
		fmt.Fprintf(w, "run:     %s\n", res.RunID)
	}
	if res.TotalGroups > 0 {
		fmt.Fprintf(w, "group:   %d/%d\n", res.Group, res.TotalGroups)
	}
	fmt.Fprintf(w, "pages:   %d processed, %d updated, %d pdfs added\n",
		res.Totals.ProcessedPages, res.Totals.UpdatedPages, res.Totals.AddedPDFs)
	if res.Continuation != "" {
		fmt.Fprintf(w, "next:    %s\n", res.Continuation)
	}
}
