// Package bootstrap builds the process-level dependencies shared by the rekey
// binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/rekey/internal/config"
	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/checkpoint"
	"github.com/ahrav/rekey/internal/infra/storage"
	"github.com/ahrav/rekey/pkg/common"
	"github.com/ahrav/rekey/pkg/common/logger"
	"github.com/ahrav/rekey/pkg/common/otel"
)

// NewLogger builds the JSON logger for app, stamped with host metadata.
// Errors are echoed to stderr as a single structured event line.
func NewLogger(w io.Writer, cfg config.LogConfig, app string) *logger.Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"app":      app,
	}
	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.Level), cfg.ServiceName, otel.GetTraceID, events, metadata)
}

// InitTelemetry starts OTLP export when enabled.
func InitTelemetry(log *logger.Logger, cfg config.Config) (otel.Providers, func(context.Context), error) {
	hostname, _ := os.Hostname()
	return otel.InitTelemetry(log, otel.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      cfg.Log.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		InsecureExporter: cfg.Telemetry.Insecure,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
	})
}

// OpenPool connects to Postgres, retrying while the database comes up, and
// applies migrations when AutoMigrate is set.
func OpenPool(ctx context.Context, log *logger.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := common.ConnectWithRetry(ctx, log, "postgres", common.DefaultRetryConfig(),
		func(ctx context.Context) (*pgxpool.Pool, error) {
			pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return nil, err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return pool, nil
		})
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := storage.MigrateUp(pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info(ctx, "Migrations applied successfully", "dir", cfg.MigrationsDir)
	}
	return pool, nil
}

// OpenEtcd connects to etcd and checks that at least the first endpoint
// answers.
func OpenEtcd(ctx context.Context, log *logger.Logger, cfg config.EtcdConfig) (*clientv3.Client, error) {
	return common.ConnectWithRetry(ctx, log, "etcd", common.DefaultRetryConfig(),
		func(ctx context.Context) (*clientv3.Client, error) {
			cli, err := clientv3.New(clientv3.Config{
				Endpoints:   cfg.Endpoints,
				DialTimeout: cfg.DialTimeout,
				Context:     ctx,
			})
			if err != nil {
				return nil, err
			}

			statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
			if _, err := cli.Status(statusCtx, cfg.Endpoints[0]); err != nil {
				cli.Close()
				return nil, err
			}
			return cli, nil
		})
}

// Resources owns the connections opened for a command.
type Resources struct {
	Pool *pgxpool.Pool
	Etcd *clientv3.Client
}

// Close releases every open connection.
func (r *Resources) Close() error {
	var errs []error
	if r.Etcd != nil {
		errs = append(errs, r.Etcd.Close())
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
	return errors.Join(errs...)
}

// Open connects to Postgres and, for the etcd backend, to etcd.
func Open(ctx context.Context, log *logger.Logger, cfg *config.Config) (*Resources, error) {
	res := &Resources{}

	pool, err := OpenPool(ctx, log, cfg.Database)
	if err != nil {
		return nil, err
	}
	res.Pool = pool

	if cfg.Checkpoint.Backend == string(checkpoint.BackendEtcd) {
		cli, err := OpenEtcd(ctx, log, cfg.Etcd)
		if err != nil {
			_ = res.Close()
			return nil, err
		}
		res.Etcd = cli
	}
	return res, nil
}

// CheckpointStore builds the configured checkpoint backend over res.
func CheckpointStore(
	cfg *config.Config,
	res *Resources,
	log *logger.Logger,
	tracer trace.Tracer,
) (rekey.CheckpointStore, error) {
	backend, err := checkpoint.ParseBackend(cfg.Checkpoint.Backend)
	if err != nil {
		return nil, err
	}

	deps := checkpoint.Deps{
		FilePath:   cfg.Checkpoint.FilePath,
		EtcdPrefix: cfg.Etcd.Prefix,
		Pool:       res.Pool,
		Name:       cfg.Checkpoint.Name,
		Logger:     log,
		Tracer:     tracer,
	}
	if res.Etcd != nil {
		deps.Etcd = res.Etcd
	}
	return checkpoint.New(backend, deps)
}

// StartOps serves health, readiness and metrics on addr until ctx is done.
// An empty addr disables the server.
func StartOps(ctx context.Context, g *errgroup.Group, log *logger.Logger, addr string, ready *atomic.Bool) error {
	if addr == "" {
		return nil
	}

	srv, err := common.NewOpsServer(addr, ready)
	if err != nil {
		return fmt.Errorf("failed to create ops server: %w", err)
	}

	g.Go(func() error {
		log.Info(ctx, "Ops server listening", "addr", addr)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}
