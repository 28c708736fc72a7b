package cli

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/rekey/internal/app/dispatch"
	app "github.com/ahrav/rekey/internal/app/rekey"
	"github.com/ahrav/rekey/internal/bootstrap"
	"github.com/ahrav/rekey/internal/config"
	"github.com/ahrav/rekey/internal/infra/storage/postgres"
)

func newRunCmd(s *settings) *cobra.Command {
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Rekey every record after the saved checkpoint",
		Long: `Walks the table in ascending id order, one page at a time, giving every
record a fresh token. Progress is checkpointed after each committed page, so
an interrupted run resumes where it stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := s.load(cmd)
			if err != nil {
				return err
			}
			return runRekey(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.Int("batch-size", def.Rekey.BatchSize, "records per page")
	f.Bool("reset", false, "clear the checkpoint and start from the first record")
	f.String("strategy", def.Rekey.Strategy, "write strategy: bulk or row")
	f.Bool("async", false, "run pages concurrently")
	f.String("executor", def.Rekey.Executor, "async executor: local or kafka")
	f.Int("workers-min", def.Dispatch.MinWorkers, "minimum async workers")
	f.Int("workers-max", def.Dispatch.MaxWorkers, "maximum async workers")
	f.Int("queue-depth", def.Dispatch.QueueDepth, "pages queued or in flight before submission blocks")
	f.String("table", def.Database.Table, "table to rekey")
	f.String("ops-addr", def.Ops.Addr, "address for health and metrics endpoints; empty disables")

	for flag, key := range map[string]string{
		"batch-size":  "rekey.batch_size",
		"reset":       "rekey.reset",
		"strategy":    "rekey.strategy",
		"async":       "rekey.async",
		"executor":    "rekey.executor",
		"workers-min": "dispatch.min_workers",
		"workers-max": "dispatch.max_workers",
		"queue-depth": "dispatch.queue_depth",
		"table":       "database.table",
		"ops-addr":    "ops.addr",
	} {
		s.bind(f, flag, key)
	}
	return cmd
}

func runRekey(cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := bootstrap.NewLogger(cmd.ErrOrStderr(), cfg.Log, "rekey")

	providers, teardown, err := bootstrap.InitTelemetry(log, *cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))
	tracer := providers.Tracer.Tracer(cfg.Log.ServiceName)

	res, err := bootstrap.Open(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	store, err := bootstrap.CheckpointStore(cfg, res, log, tracer)
	if err != nil {
		return err
	}

	strategy, err := app.ParseStrategy(cfg.Rekey.Strategy)
	if err != nil {
		return err
	}

	repo := postgres.NewRecordStore(res.Pool, cfg.Database.Table, tracer)
	mutator := app.NewMutator(repo, strategy, log, tracer, app.WithWriteTimeout(cfg.Rekey.WriteTimeout))

	metrics, err := app.NewRekeyMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create rekey metrics: %w", err)
	}
	reporter := app.NewReporter(cmd.OutOrStdout(), repo, metrics, log)

	g, gctx := errgroup.WithContext(ctx)
	ready := &atomic.Bool{}
	if err := bootstrap.StartOps(gctx, g, log, cfg.Ops.Addr, ready); err != nil {
		return err
	}

	var opts []app.RunnerOption
	if cfg.Rekey.Async {
		exec, err := newExecutor(gctx, g, cfg, mutator, log, tracer)
		if err != nil {
			return err
		}
		dm, err := dispatch.NewDispatchMetrics(providers.Meter)
		if err != nil {
			return fmt.Errorf("failed to create dispatch metrics: %w", err)
		}
		opts = append(opts, app.WithAsync(app.AsyncConfig{
			Executor: exec,
			Pool:     dispatchConfig(cfg.Dispatch),
			Metrics:  dm,
		}))
	}

	runner, err := app.NewRunner(
		repo,
		store,
		mutator,
		reporter,
		metrics,
		app.RunnerConfig{BatchSize: cfg.Rekey.BatchSize, Reset: cfg.Rekey.Reset},
		log,
		tracer,
		opts...,
	)
	if err != nil {
		return err
	}

	g.Go(func() error {
		// Stops the ops server and result listener once the run ends.
		defer cancel()
		ready.Store(true)

		result, err := runner.Run(gctx)
		if err != nil {
			return err
		}
		log.Info(gctx, "Rekey run finished",
			"pages", result.Pages,
			"records", result.Records,
			"last_processed_id", result.Checkpoint.LastProcessedID,
		)
		return nil
	})

	return g.Wait()
}

func dispatchConfig(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		MinWorkers:  c.MinWorkers,
		MaxWorkers:  c.MaxWorkers,
		QueueDepth:  c.QueueDepth,
		IdleTimeout: c.IdleTimeout,
		SubmitRate:  c.SubmitRate,
		SubmitBurst: c.SubmitBurst,
	}
}
