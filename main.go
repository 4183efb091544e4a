package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	controller "dripline/controllers"
	"dripline/backfill"
	"dripline/routes"
	"dripline/worker"
)

var (
	backfillSequence   string
	backfillReactivate bool
	backfillBatchSize  int

	loadDir string
)

var rootCmd = &cobra.Command{
	Use:           "dripline",
	Short:         "Sequence enrollment and drip dispatch engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the dispatch worker and the event consumer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single dispatch cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.cycle.Tick(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d sent=%d recovered=%d completed=%d exited=%d skipped=%d errors=%d duration=%s\n",
			result.Processed, result.Sent, result.Recovered, result.Completed, result.Exited, result.Skipped, result.Errors, result.Duration)
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enroll subjects who qualify for a sequence but are not enrolled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillSequence == "" {
			return errors.New("--sequence is required")
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.recon.Reconcile(cmd.Context(), backfill.Criteria{
			Slug:               backfillSequence,
			ReactivateTerminal: backfillReactivate,
			BatchSize:          backfillBatchSize,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sequence=%s checked=%d enrolled=%d skipped=%d errors=%d\n",
			result.Sequence, result.Checked, result.Enrolled, result.Skipped, result.Errors)
		return nil
	},
}

var loadSequencesCmd = &cobra.Command{
	Use:   "load-sequences",
	Short: "Load sequence definitions from YAML files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		dir := loadDir
		if dir == "" {
			dir = a.cfg.SequencesDir
		}
		n, err := a.loadSequences(cmd.Context(), dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d sequences from %s\n", n, dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(loadSequencesCmd)

	backfillCmd.Flags().StringVarP(&backfillSequence, "sequence", "s", "", "sequence slug")
	backfillCmd.Flags().BoolVar(&backfillReactivate, "reactivate", false, "restart completed or exited enrollments")
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 500, "subjects read per page")

	loadSequencesCmd.Flags().StringVarP(&loadDir, "dir", "d", "", "directory of sequence files (default SEQUENCES_DIR)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("dripline failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := os.Stat(a.cfg.SequencesDir); err == nil {
		if _, err := a.loadSequences(ctx, a.cfg.SequencesDir); err != nil {
			return fmt.Errorf("load sequences: %w", err)
		}
	}

	hub := controller.NewProgressHub(a.log)
	a.cycle.OnTick(hub.Publish)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.SetupRoutes(app, routes.Handlers{
		Enrollments:     controller.NewEnrollmentController(a.store, a.ctrl, a.log),
		Triggers:        controller.NewTriggerController(a.match, a.log),
		Sequences:       controller.NewSequenceController(a.store, a.log),
		Subjects:        controller.NewSubjectController(a.store, a.log),
		Backfill:        controller.NewBackfillController(a.recon),
		Dispatch:        controller.NewDispatchController(a.cycle, hub),
		Tracking:        controller.NewTrackingController(a.store.Deliveries, a.track, a.log),
		Redis:           a.redis,
		ActionRateLimit: a.cfg.RateLimitAction,
		AllowedOrigins:  a.cfg.AllowedOrigins,
	})

	g, ctx := errgroup.WithContext(ctx)

	dispatchWorker := worker.NewDispatchWorker(a.cycle, a.cfg.Dispatch.Interval, 0, a.log)
	g.Go(func() error {
		dispatchWorker.Start(ctx)
		return nil
	})

	if a.cfg.Kafka.Enabled {
		reader, err := worker.NewKafkaReader(a.cfg.Kafka.Brokers, a.cfg.Kafka.GroupID, a.cfg.Kafka.Topics)
		if err != nil {
			return err
		}
		consumer := worker.NewEventConsumer(reader, a.match, a.log)
		g.Go(func() error {
			consumer.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		a.log.Printf("🚀 Server starting on port %s", a.cfg.ServerPort)
		return app.Listen(":" + a.cfg.ServerPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("Shutting down...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
