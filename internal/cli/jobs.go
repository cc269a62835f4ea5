package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/client"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"github.com/spf13/cobra"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		file           string
		wait           bool
		idempotencyKey string
	)

	cmd := &cobra.Command{
		Use:   "submit -f <job.yaml>",
		Short: "Submit a job described by a YAML file",
		Long: `Submit a job described by a YAML file ("-" reads stdin).

With --wait the command polls until the job finishes and prints its results.
Resubmitting with the same --idempotency-key returns the job created first.

Examples:
  promptflow submit -f digest.yaml
  promptflow submit -f digest.yaml --wait
  cat digest.yaml | promptflow submit -f - --idempotency-key digest-2024-06-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jf, err := ReadJobFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			req, err := jf.Request()
			if err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			ack, err := c.CreateJob(ctx, req, idempotencyKey)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			if !wait {
				return opts.print(cmd.OutOrStdout(), ack, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s (%s)\n", ack.ID, ack.Status, ack.Message)
				})
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s, waiting...\n", ack.ID)
			return waitAndPrint(ctx, cmd, opts, c, ack.ID)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "job file (YAML)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "deduplicate repeated submissions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			job, err := opts.client().GetJob(ctx, id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			return opts.print(cmd.OutOrStdout(), job, func(w io.Writer) { printJob(w, job) })
		},
	}
}

func newWaitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait for a job to finish and show it",
		Long: `Wait for a job to finish and show it.

The command exits non-zero when the job ends failed or cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			return waitAndPrint(ctx, cmd, opts, opts.client(), id)
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			ack, err := opts.client().CancelJob(ctx, id)
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			return opts.print(cmd.OutOrStdout(), ack, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", ack.ID, ack.Status)
			})
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your most recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			jobs, err := opts.client().ListJobs(ctx, limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			return opts.print(cmd.OutOrStdout(), jobs, func(w io.Writer) { printSummaries(w, jobs) })
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max results")
	return cmd
}

func waitAndPrint(ctx context.Context, cmd *cobra.Command, opts *options, c *client.Client, id uuid.UUID) error {
	job, err := c.WaitForJob(ctx, id)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	if err := opts.print(cmd.OutOrStdout(), job, func(w io.Writer) { printJob(w, job) }); err != nil {
		return err
	}
	if job.Status != models.JobStatusCompleted {
		return fmt.Errorf("job %s ended %s", job.ID, job.Status)
	}
	return nil
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// print writes v as indented JSON when --json is set and calls text otherwise.
func (o *options) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func printJob(w io.Writer, job *models.Job) {
	name := "-"
	if job.Name != nil {
		name = *job.Name
	}
	fmt.Fprintf(w, "Job:     %s\n", job.ID)
	fmt.Fprintf(w, "Name:    %s\n", name)
	fmt.Fprintf(w, "Status:  %s\n", job.Status)
	fmt.Fprintf(w, "Items:   %d/%d\n", len(job.Results), job.ItemsExpected())
	fmt.Fprintf(w, "Tokens:  %d\n", job.TokenUsage)
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(w, "Took:    %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	for _, line := range job.Logs {
		fmt.Fprintf(w, "Log:     %s\n", line)
	}

	for i, r := range job.Results {
		fmt.Fprintf(w, "\n--- [%d] %s (%s)\n", i+1, truncate(r.Input, 60), r.Status)
		if r.Status == models.ResultStatusError {
			fmt.Fprintf(w, "error: %s\n", r.Error)
			continue
		}
		fmt.Fprintln(w, strings.TrimSpace(r.FinalOutput))
	}
}

func printSummaries(w io.Writer, jobs []models.JobSummary) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tITEMS\tTOKENS\tCREATED\tNAME")
	for _, j := range jobs {
		name := ""
		if j.Name != nil {
			name = *j.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			j.ID, j.Status, j.ItemsCompleted, j.ItemsTotal, j.TokenUsage,
			j.CreatedAt.Local().Format("2006-01-02 15:04"), name)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
