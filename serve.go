package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"contract-ingest/api"
	"contract-ingest/pipeline"
)

var serveNoSchedule bool

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trigger API and run scheduled jobs",
	RunE:  serve,
}

func init() {
	serveCommand.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "Do not start the cron schedules")
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Recover(ctx); err != nil {
		return err
	}

	sched, err := pipeline.NewScheduler(a.orch, a.sources.Sources, a.logger)
	if err != nil {
		return err
	}
	if serveNoSchedule {
		a.logger.Info("Cron schedules disabled")
	} else {
		sched.Start()
	}

	srv := api.NewServer(a.orch, api.Options{
		Addr:       a.cfg.HTTPAddr,
		Secret:     a.cfg.TriggerSecret,
		SyncBudget: a.cfg.SyncBudget,
	}, a.logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var errs []error
	select {
	case <-ctx.Done():
		a.logger.Info("=== Shutdown requested ===")
	case err := <-serveErr:
		errs = append(errs, err)
	}

	// Stop intake first, then let running jobs reach a checkpoint.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs,
		sched.Stop(shutdownCtx),
		srv.Shutdown(shutdownCtx),
		a.orch.Shutdown(shutdownCtx),
	)
	a.logger.Info("=== Stopped ===")
	return errors.Join(errs...)
}
