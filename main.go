package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"contract-ingest/api"
	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/pipeline"
	"contract-ingest/storage"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:          "contract-ingest",
	Short:        "Multi-source contract ingestion pipeline",
	Long:         "Pulls contract records from paginated APIs and rendered listing pages, merges them into canonical records and tracks every run as a resumable job.",
	SilenceUsage: true,
}

var (
	runMode      string
	runFrom      string
	runTo        string
	runStartPage int
	runBudget    time.Duration

	jobsSource string
	jobsLimit  int

	exportPath string

	tokenSubject string
	tokenTTL     time.Duration
)

var runCommand = &cobra.Command{
	Use:   "run [source...]",
	Short: "Run one job per source in the foreground and print the summaries",
	Long:  "Runs a job for each named source, or for every configured source when none is named. Interrupting the command cancels the jobs at their last checkpoint.",
	RunE:  runJobs,
}

var statusCommand = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state, counts and log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

var jobsCommand = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE:  listJobs,
}

var exportCommand = &cobra.Command{
	Use:   "export",
	Short: "Export canonical records to CSV",
	RunE:  exportRecords,
}

var tokenCommand = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the trigger API signed with TRIGGER_SECRET",
	RunE:  printToken,
}

func init() {
	runCommand.Flags().StringVar(&runMode, "mode", string(models.ModeIncremental), "Run mode: full, incremental or date-range")
	runCommand.Flags().StringVar(&runFrom, "from", "", "First day of a date-range run (YYYY-MM-DD)")
	runCommand.Flags().StringVar(&runTo, "to", "", "Last day of a date-range run (YYYY-MM-DD)")
	runCommand.Flags().IntVar(&runStartPage, "start-page", 0, "Page to start from")
	runCommand.Flags().DurationVar(&runBudget, "budget", 0, "Stop each job after this long; the next run resumes (0 = no limit)")

	jobsCommand.Flags().StringVarP(&jobsSource, "source", "s", "", "Only list jobs of this source")
	jobsCommand.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum jobs to list")

	exportCommand.Flags().StringVarP(&exportPath, "out", "o", "", "Output file (default CSV_OUTPUT_PATH)")

	tokenCommand.Flags().StringVar(&tokenSubject, "subject", "cron", "Subject claim of the token")
	tokenCommand.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "How long the token stays valid")

	rootCmd.AddCommand(serveCommand, runCommand, statusCommand, jobsCommand, exportCommand, tokenCommand)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scope, err := flagScope()
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("=== Ingestion run starting (%s) ===", scope.Key())

	var summaries []*models.JobSummary
	var runErr error
	if len(args) == 0 {
		summaries, runErr = a.orch.RunAll(ctx, scope, runBudget)
	} else {
		for _, id := range args {
			_, summary, err := a.orch.Submit(ctx, id, scope, pipeline.SubmitOptions{Sync: true, Budget: runBudget})
			if summary != nil {
				summaries = append(summaries, summary)
			}
			if err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("%s: %w", id, err))
			}
		}
	}

	readCtx := context.WithoutCancel(ctx)
	jobs := make([]*models.ScrapeJob, 0, len(summaries))
	for _, s := range summaries {
		job, err := a.orch.Status(readCtx, s.JobID)
		if err != nil {
			runErr = errors.Join(runErr, err)
			continue
		}
		jobs = append(jobs, job)
	}
	a.summaries.Print(cmd.OutOrStdout(), jobs)
	return runErr
}

func flagScope() (models.Scope, error) {
	scope := models.Scope{Mode: models.RunMode(runMode), StartPage: runStartPage}
	var err error
	if scope.From, err = models.ParseDate(runFrom); err != nil {
		return scope, err
	}
	if scope.To, err = models.ParseDate(runTo); err != nil {
		return scope, err
	}
	return scope, scope.Validate()
}

func showStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.orch.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	a.summaries.Print(out, []*models.ScrapeJob{job})
	if job.LogDropped > 0 {
		fmt.Fprintf(out, "  … %d earlier log lines dropped\n", job.LogDropped)
	}
	for _, e := range job.Log {
		fmt.Fprintf(out, "  %s  %-5s  %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
	}
	fmt.Fprintln(out)
	return nil
}

func listJobs(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.orch.Recent(cmd.Context(), jobsSource, jobsLimit)
	if err != nil {
		return err
	}
	a.summaries.Print(cmd.OutOrStdout(), jobs)
	return nil
}

func exportRecords(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	path := exportPath
	if path == "" {
		path = a.cfg.CSVOutputPath
	}
	w, err := storage.NewCSVWriter(path, a.sources.Entity.TrackedFields)
	if err != nil {
		return err
	}
	n, err := w.Export(cmd.Context(), a.store)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	a.logger.Info("Exported %d canonical records to %s", n, path)
	return nil
}

func printToken(cmd *cobra.Command, _ []string) error {
	secret := config.Load().TriggerSecret
	if secret == "" {
		return errors.New("TRIGGER_SECRET is not set")
	}
	token, err := api.IssueToken(secret, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
