package cli

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	app "github.com/ahrav/rekey/internal/app/rekey"
	"github.com/ahrav/rekey/internal/bootstrap"
	"github.com/ahrav/rekey/internal/config"
	"github.com/ahrav/rekey/internal/infra/queue/kafka"
	"github.com/ahrav/rekey/internal/infra/storage/postgres"
	"github.com/ahrav/rekey/pkg/common"
	"github.com/ahrav/rekey/pkg/metrics"
)

// NewWorkerCmd creates the page worker command. Workers consume page tasks
// from Kafka, rekey each range and publish the outcome.
func NewWorkerCmd(version string) *cobra.Command {
	return newWorkerCmd(newSettings(), version)
}

// defaultWorkerOpsAddr is where long-running workers serve health checks
// and Prometheus metrics unless configured otherwise.
const defaultWorkerOpsAddr = ":8081"

func newWorkerCmd(s *settings, version string) *cobra.Command {
	def := config.Default()
	s.v.SetDefault("ops.addr", defaultWorkerOpsAddr)

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Rekey pages published by an async rekey run",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := s.load(cmd)
			if err != nil {
				return err
			}
			return runWorker(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&s.configPath, "config", "", "path to a YAML config file")
	f.String("strategy", def.Rekey.Strategy, "write strategy: bulk or row")
	f.String("table", def.Database.Table, "table to rekey")
	f.StringSlice("brokers", def.Kafka.Brokers, "Kafka brokers")
	f.String("ops-addr", defaultWorkerOpsAddr, "address for health and metrics endpoints; empty disables")
	f.String("log-level", def.Log.Level, "log level: debug, info, warn or error")

	for flag, key := range map[string]string{
		"strategy":  "rekey.strategy",
		"table":     "database.table",
		"brokers":   "kafka.brokers",
		"ops-addr":  "ops.addr",
		"log-level": "log.level",
	} {
		s.bind(f, flag, key)
	}
	return cmd
}

func runWorker(cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	hostname, _ := os.Hostname()
	clientID := fmt.Sprintf("%s-worker-%s", cfg.Kafka.ClientID, hostname)

	log := bootstrap.NewLogger(cmd.ErrOrStderr(), cfg.Log, "worker")

	providers, teardown, err := bootstrap.InitTelemetry(log, *cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))
	tracer := providers.Tracer.Tracer(cfg.Log.ServiceName)

	pool, err := bootstrap.OpenPool(ctx, log, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	strategy, err := app.ParseStrategy(cfg.Rekey.Strategy)
	if err != nil {
		return err
	}
	repo := postgres.NewRecordStore(pool, cfg.Database.Table, tracer)
	mutator := app.NewMutator(repo, strategy, log, tracer, app.WithWriteTimeout(cfg.Rekey.WriteTimeout))

	client, err := common.ConnectWithRetry(ctx, log, "kafka", common.DefaultRetryConfig(),
		func(context.Context) (sarama.Client, error) {
			return kafka.NewClient(kafka.ClientConfig{
				Brokers:       cfg.Kafka.Brokers,
				ClientID:      clientID,
				InitialOffset: sarama.OffsetOldest,
			})
		})
	if err != nil {
		return err
	}
	defer client.Close()

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	defer producer.Close()

	cg, err := sarama.NewConsumerGroupFromClient(cfg.Kafka.GroupID, client)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer cg.Close()

	worker := kafka.NewPageWorker(
		kafka.WorkerConfig{
			TaskTopic:   cfg.Kafka.TaskTopic,
			ResultTopic: cfg.Kafka.ResultTopic,
			ClientID:    clientID,
		},
		producer,
		mutator,
		metrics.New("rekey_worker"),
		log,
		tracer,
	)

	g, gctx := errgroup.WithContext(ctx)
	ready := &atomic.Bool{}
	if err := bootstrap.StartOps(gctx, g, log, cfg.Ops.Addr, ready); err != nil {
		return err
	}

	g.Go(func() error {
		defer cancel()
		ready.Store(true)
		return worker.Run(gctx, cg)
	})

	err = g.Wait()
	log.Info(ctx, "Worker shutdown complete", "client_id", clientID)
	return err
}
