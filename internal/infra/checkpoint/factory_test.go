package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/storage"
	"github.com/ahrav/rekey/pkg/common/logger"
)

func TestParseBackend(t *testing.T) {
	for _, s := range []string{"file", "etcd", "postgres"} {
		b, err := ParseBackend(s)
		require.NoError(t, err)
		assert.Equal(t, Backend(s), b)
	}
	_, err := ParseBackend("redis")
	assert.Error(t, err)
}

func TestNew_RequiresBackendDependencies(t *testing.T) {
	deps := Deps{Logger: logger.Noop(), Tracer: storage.NoOpTracer()}

	_, err := New(BackendEtcd, deps)
	assert.ErrorContains(t, err, "etcd client")

	_, err = New(BackendPostgres, deps)
	assert.ErrorContains(t, err, "database pool")

	_, err = New("s3", deps)
	assert.Error(t, err)
}

func TestNew_FileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := New(BackendFile, Deps{
		FilePath: filepath.Join(t.TempDir(), "cp.txt"),
		Logger:   logger.Noop(),
		Tracer:   storage.NoOpTracer(),
	})
	require.NoError(t, err)

	want := rekey.Checkpoint{LastProcessedID: 9}
	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.Reset(ctx))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
