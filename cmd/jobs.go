package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/caselens/citeminer/internal/job"
	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/monitoring"
	"github.com/caselens/citeminer/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage analysis jobs",
	Long:  "Commands for listing, viewing, canceling, and summarizing analysis jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		j, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.MarkCanceled(ctx, args[0]); err != nil {
			if eris.Is(err, store.ErrIllegalTransition) {
				return eris.Errorf("job %s is already finished", args[0])
			}
			return eris.Wrap(err, "jobs cancel")
		}

		fmt.Printf("Canceled job %s\n", args[0])
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate job statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		learnStore, err := initLearning()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		snap, err := monitoring.NewCollector(st, learnStore).Collect(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatJobStats(os.Stdout, snap)
		return nil
	},
}

// -- jobs sweep --

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one stuck-job and retention sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sweeper := job.NewSweeper(st, job.SweeperConfig{
			StuckTimeout: time.Duration(cfg.Jobs.StuckTimeoutSecs) * time.Second,
			Retention:    time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		})
		sweeper.Sweep(ctx)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (queued, processing, completed, failed, canceled)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsStatsCmd.Flags().Int("limit", 1000, "number of recent jobs to aggregate")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsSweepCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSTEP\tCITATIONS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t----\t---------\t-------")

	for _, j := range jobs {
		citations := ""
		if j.Result != nil {
			citations = fmt.Sprintf("%d", j.Result.Metadata.CitationCount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			truncateID(j.ID),
			j.Status,
			j.Progress,
			j.CurrentStep,
			citations,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatJobStats writes a metrics snapshot to w.
func formatJobStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total jobs:\t%d\n", s.JobsTotal)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.JobsCompleted)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.JobsFailed)
	_, _ = fmt.Fprintf(w, "Canceled:\t%d\n", s.JobsCanceled)
	_, _ = fmt.Fprintf(w, "Queued:\t%d\n", s.JobsQueued)
	_, _ = fmt.Fprintf(w, "Processing:\t%d\n", s.JobsProcessing)
	if s.JobFailRate > 0 {
		_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", s.JobFailRate*100)
	}
	_, _ = fmt.Fprintf(w, "Citations found:\t%d\n", s.CitationsTotal)
	if s.JobsCompleted > 0 {
		_, _ = fmt.Fprintf(w, "Avg citations/job:\t%.1f\n", s.AvgCitations)
		_, _ = fmt.Fprintf(w, "Avg clusters/job:\t%.1f\n", s.AvgClusters)
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.0fms\n", s.AvgDurationMS)
	}
	if s.CitationsTotal > 0 {
		_, _ = fmt.Fprintf(w, "Verified rate:\t%.1f%%\n", s.VerifiedRate*100)
	}
	_, _ = fmt.Fprintf(w, "Learned patterns:\t%d\n", s.LearnedPatterns)
	_, _ = fmt.Fprintf(w, "Reporter aliases:\t%d\n", s.Aliases)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
