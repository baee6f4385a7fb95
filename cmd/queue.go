package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/queue"
	"github.com/sells-group/nb-research/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Admit, execute and inspect research runs",
	Long:  "Commands for queueing runs against the cost limit, executing them, and tracking their progress.",
}

// -- queue run --

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Estimate and queue a research run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		company, _ := cmd.Flags().GetString("company")
		target, _ := cmd.Flags().GetString("target")
		user, _ := cmd.Flags().GetString("user")
		force, _ := cmd.Flags().GetBool("force")
		steps, _ := cmd.Flags().GetStringSlice("steps")
		execute, _ := cmd.Flags().GetBool("execute")

		id, err := env.Queue.QueueRun(ctx, company, target, user, queue.Options{ForceRefresh: force, Steps: steps})
		if err != nil {
			var cle *model.CostLimitError
			if errors.As(err, &cle) {
				formatEstimate(cmd.ErrOrStderr(), cle.Estimate)
			}
			return eris.Wrap(err, "queue run")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued run %s\n", id)

		if !execute {
			return nil
		}
		ok, err := env.Queue.ExecuteRun(ctx, id)
		if err != nil {
			return eris.Wrap(err, "queue run: execute")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed: %t\n", id, ok)
		return nil
	},
}

// -- queue execute --

var queueExecuteCmd = &cobra.Command{
	Use:   "execute <run-id>",
	Short: "Execute a queued or retrying run now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ok, err := env.Queue.ExecuteRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "queue execute")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed: %t\n", args[0], ok)
		return nil
	},
}

// -- queue status --

var queueStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show run progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		watch, _ := cmd.Flags().GetBool("watch")
		asJSON, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()

		if asJSON {
			run, err := env.Store.GetRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "queue status")
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}

		if !watch {
			p, err := env.Queue.GetRunProgress(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "queue status")
			}
			formatProgress(out, p)
			return nil
		}

		for p := range env.Queue.WatchProgress(ctx, args[0], cfg.Queue.PollInterval()) {
			formatProgress(out, &p)
		}
		return nil
	},
}

// -- queue list --

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		statuses, _ := cmd.Flags().GetStringSlice("status")
		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{CompanyID: company, Limit: limit}
		for _, s := range statuses {
			filter.Status = append(filter.Status, model.RunStatus(s))
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "queue list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- queue cancel --

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ok, err := env.Queue.CancelRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "queue cancel")
		}
		if !ok {
			run, err := env.Store.GetRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "queue cancel")
			}
			return eris.Errorf("queue cancel: run %s is %s; only queued runs can be cancelled", args[0], run.Status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s\n", args[0])
		return nil
	},
}

// -- queue stats --

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts and average wait and execution times",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Queue.GetQueueStats(ctx)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}
		formatQueueStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

// -- queue cleanup --

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Archive completed runs past the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		days, _ := cmd.Flags().GetInt("age-days")
		n, err := env.Queue.CleanupOldRuns(ctx, days)
		if err != nil {
			return eris.Wrap(err, "queue cleanup")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived %d runs\n", n)
		return nil
	},
}

func init() {
	queueRunCmd.Flags().String("company", "", "company id to research (required)")
	queueRunCmd.Flags().String("target", "", "target company id for a comparison run")
	queueRunCmd.Flags().String("user", "", "requesting user id")
	queueRunCmd.Flags().Bool("force", false, "ignore fresh snapshots and run every step")
	queueRunCmd.Flags().StringSlice("steps", nil, "run only these step codes (e.g. NB1,NB4)")
	queueRunCmd.Flags().Bool("execute", false, "execute the run immediately after queueing")
	_ = queueRunCmd.MarkFlagRequired("company")

	queueStatusCmd.Flags().Bool("watch", false, "poll until the run reaches a terminal status")
	queueStatusCmd.Flags().Bool("json", false, "print the full run record as JSON")

	queueListCmd.Flags().StringSlice("status", nil, "filter by run status (queued, running, retrying, completed, ...)")
	queueListCmd.Flags().String("company", "", "filter by company id")
	queueListCmd.Flags().Int("limit", 50, "max number of runs to display")

	queueCleanupCmd.Flags().Int("age-days", 0, "archive runs completed more than this many days ago (default from config)")

	queueCmd.AddCommand(queueRunCmd)
	queueCmd.AddCommand(queueExecuteCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tTARGET\tMODE\tSTATUS\tRETRIES\tERROR_CAT\tEST_COST\tCOST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t----\t------\t-------\t---------\t--------\t----\t-------")

	for _, r := range runs {
		errCat := ""
		if r.Error != nil {
			errCat = r.Error.Category
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.CompanyID,
			r.TargetCompanyID,
			r.Mode,
			r.Status,
			r.RetryCount,
			errCat,
			usd(r.EstimatedCost),
			usd(r.ActualCost),
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatProgress writes a one-line progress summary.
func formatProgress(out io.Writer, p *queue.Progress) {
	line := fmt.Sprintf("%s  %-9s  %d/%d (%.1f%%)", truncateID(p.RunID), p.Status, p.CompletedNBs, p.TotalNBs, p.Percentage)
	if p.CurrentNB != "" {
		line += "  current=" + p.CurrentNB
	}
	if p.Elapsed > 0 {
		line += "  elapsed=" + p.Elapsed.Round(time.Second).String()
	}
	if p.ETA != nil {
		line += "  eta=" + p.ETA.Round(time.Second).String()
	}
	_, _ = fmt.Fprintln(out, line)
}

// formatQueueStats writes counts per status and average timings.
func formatQueueStats(out io.Writer, s *queue.Stats) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	for _, status := range model.AllRunStatuses() {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", status, s.Counts[status])
	}
	_, _ = fmt.Fprintf(w, "Avg wait:\t%s\n", s.AvgWait.Round(time.Second))
	_, _ = fmt.Fprintf(w, "Avg execution:\t%s\n", s.AvgExecution.Round(time.Second))
	_ = w.Flush()
}
