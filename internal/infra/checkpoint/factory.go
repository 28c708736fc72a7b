// Package checkpoint selects and constructs the configured checkpoint
// backend.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/checkpoint/etcd"
	"github.com/ahrav/rekey/internal/infra/checkpoint/file"
	"github.com/ahrav/rekey/internal/infra/storage"
	"github.com/ahrav/rekey/internal/infra/storage/postgres"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// Backend names a checkpoint implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendEtcd     Backend = "etcd"
	BackendPostgres Backend = "postgres"
)

// ParseBackend converts a configuration value into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendFile, BackendEtcd, BackendPostgres:
		return b, nil
	default:
		return "", fmt.Errorf("unknown checkpoint backend %q", s)
	}
}

// Deps carries what each backend needs. Only the fields for the selected
// backend are read.
type Deps struct {
	FilePath string

	Etcd       clientv3.KV
	EtcdPrefix string

	Pool *pgxpool.Pool
	Name string

	Logger *logger.Logger
	Tracer trace.Tracer
}

// New builds the store for backend, wrapped with tracing.
func New(backend Backend, deps Deps) (rekey.CheckpointStore, error) {
	var store rekey.CheckpointStore
	switch backend {
	case BackendFile:
		store = file.NewStore(deps.FilePath, deps.Logger)
	case BackendEtcd:
		if deps.Etcd == nil {
			return nil, errors.New("etcd checkpoint backend requires an etcd client")
		}
		store = etcd.NewStore(deps.Etcd, deps.EtcdPrefix, deps.Logger)
	case BackendPostgres:
		if deps.Pool == nil {
			return nil, errors.New("postgres checkpoint backend requires a database pool")
		}
		// The postgres store traces its own queries.
		return postgres.NewCheckpointStore(deps.Pool, deps.Name, deps.Tracer), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
	return &tracedStore{next: store, backend: backend, tracer: deps.Tracer}, nil
}

// tracedStore adds a client span around each call of a store that does not
// trace itself.
type tracedStore struct {
	next    rekey.CheckpointStore
	backend Backend
	tracer  trace.Tracer
}

func (t *tracedStore) attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{attribute.String("checkpoint.backend", string(t.backend))}, extra...)
}

func (t *tracedStore) Load(ctx context.Context) (rekey.Checkpoint, error) {
	var cp rekey.Checkpoint
	err := storage.ExecuteAndTrace(ctx, t.tracer, "checkpoint.load", t.attrs(), func(ctx context.Context) error {
		var err error
		cp, err = t.next.Load(ctx)
		return err
	})
	return cp, err
}

func (t *tracedStore) Save(ctx context.Context, cp rekey.Checkpoint) error {
	attrs := t.attrs(attribute.Int64("last_processed_id", cp.LastProcessedID))
	return storage.ExecuteAndTrace(ctx, t.tracer, "checkpoint.save", attrs, func(ctx context.Context) error {
		return t.next.Save(ctx, cp)
	})
}

func (t *tracedStore) Reset(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, t.tracer, "checkpoint.reset", t.attrs(), t.next.Reset)
}
