package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rekey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(context.Background(), NewViper(), "")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, &want, cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
rekey:
  batch_size: 250
  strategy: row
  write_timeout: 5s
checkpoint:
  backend: etcd
etcd:
  endpoints: ["etcd-0:2379", "etcd-1:2379"]
dispatch:
  max_workers: 8
`)

	cfg, err := Load(context.Background(), NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Rekey.BatchSize)
	assert.Equal(t, "row", cfg.Rekey.Strategy)
	assert.Equal(t, 5*time.Second, cfg.Rekey.WriteTimeout)
	assert.Equal(t, "etcd", cfg.Checkpoint.Backend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 8, cfg.Dispatch.MaxWorkers)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Dispatch.QueueDepth, cfg.Dispatch.QueueDepth)
	assert.Equal(t, Default().Database.Table, cfg.Database.Table)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "rekey:\n  batch_size: 250\n")
	t.Setenv("REKEY_REKEY_BATCH_SIZE", "42")
	t.Setenv("REKEY_DATABASE_TABLE", "orders")

	cfg, err := Load(context.Background(), NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Rekey.BatchSize)
	assert.Equal(t, "orders", cfg.Database.Table)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, NewViper(), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Rekey.BatchSize = 0 },
			wantErr: "batch_size",
		},
		{
			name:    "negative batch size",
			mutate:  func(c *Config) { c.Rekey.BatchSize = -5 },
			wantErr: "batch_size",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Rekey.Strategy = "parallel" },
			wantErr: "strategy",
		},
		{
			name:    "unknown checkpoint backend",
			mutate:  func(c *Config) { c.Checkpoint.Backend = "redis" },
			wantErr: "backend",
		},
		{
			name: "etcd backend without endpoints",
			mutate: func(c *Config) {
				c.Checkpoint.Backend = "etcd"
				c.Etcd.Endpoints = nil
			},
			wantErr: "etcd.endpoints",
		},
		{
			name: "kafka executor without brokers",
			mutate: func(c *Config) {
				c.Rekey.Async = true
				c.Rekey.Executor = "kafka"
				c.Kafka.Brokers = nil
			},
			wantErr: "kafka.brokers",
		},
		{
			name: "kafka brokers only matter for async kafka runs",
			mutate: func(c *Config) {
				c.Rekey.Executor = "kafka"
				c.Kafka.Brokers = nil
			},
		},
		{
			name:    "max workers below min",
			mutate:  func(c *Config) { c.Dispatch.MinWorkers, c.Dispatch.MaxWorkers = 4, 2 },
			wantErr: "max_workers",
		},
		{
			name:    "sampling probability out of range",
			mutate:  func(c *Config) { c.Telemetry.Probability = 1.5 },
			wantErr: "probability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := Validate(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Rekey.BatchSize = 0
	cfg.Rekey.Strategy = "nope"

	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "strategy")
}

func TestRender_RoundTrips(t *testing.T) {
	want := Default()
	want.Rekey.BatchSize = 77

	out, err := Render(&want)
	require.NoError(t, err)

	var got Config
	require.NoError(t, yaml.Unmarshal(out, &got))
	assert.Equal(t, want, got)
}
