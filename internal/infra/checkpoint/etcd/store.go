// Package etcd stores the checkpoint in an etcd cluster so that it survives
// the loss of the host running the walker.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// DefaultPrefix groups the checkpoint keys.
const DefaultPrefix = "rekey/checkpoint/"

const (
	lastProcessedIDKey = "last_processed_id"
	elapsedSecondsKey  = "elapsed_seconds"
)

var _ rekey.CheckpointStore = (*Store)(nil)

// Store keeps the two checkpoint fields as separate keys under one prefix.
// Both keys are written in a single transaction, so readers never observe
// an id from one save paired with the elapsed time of another.
type Store struct {
	kv     clientv3.KV
	prefix string
	logger *logger.Logger
}

// NewStore creates an etcd-backed checkpoint store.
func NewStore(kv clientv3.KV, prefix string, logger *logger.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{kv: kv, prefix: prefix, logger: logger.With("component", "etcd_checkpoint", "prefix", prefix)}
}

func (s *Store) key(name string) string { return s.prefix + name }

// Load returns the zero checkpoint when no keys exist. Unparseable values
// are logged and treated as absent.
func (s *Store) Load(ctx context.Context) (rekey.Checkpoint, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return rekey.Checkpoint{}, fmt.Errorf("failed to read checkpoint keys: %w", err)
	}
	if resp.Count == 0 {
		return rekey.ZeroCheckpoint(), nil
	}

	values := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values[strings.TrimPrefix(string(kv.Key), s.prefix)] = string(kv.Value)
	}

	cp, err := decode(values)
	if err != nil {
		s.logger.Warn(ctx, "checkpoint keys are corrupt; starting from zero", "error", err)
		return rekey.ZeroCheckpoint(), nil
	}
	return cp, nil
}

func decode(values map[string]string) (rekey.Checkpoint, error) {
	rawID, ok := values[lastProcessedIDKey]
	if !ok {
		return rekey.Checkpoint{}, fmt.Errorf("missing %s", lastProcessedIDKey)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id < 0 {
		return rekey.Checkpoint{}, fmt.Errorf("invalid %s %q", lastProcessedIDKey, rawID)
	}

	var elapsed float64
	if raw, ok := values[elapsedSecondsKey]; ok {
		if elapsed, err = strconv.ParseFloat(raw, 64); err != nil || elapsed < 0 {
			return rekey.Checkpoint{}, fmt.Errorf("invalid %s %q", elapsedSecondsKey, raw)
		}
	}

	return rekey.Checkpoint{LastProcessedID: id, CumulativeElapsed: rekey.DurationFromSeconds(elapsed)}, nil
}

// Save blocks until etcd has committed both keys.
func (s *Store) Save(ctx context.Context, cp rekey.Checkpoint) error {
	_, err := s.kv.Txn(ctx).Then(
		clientv3.OpPut(s.key(lastProcessedIDKey), strconv.FormatInt(cp.LastProcessedID, 10)),
		clientv3.OpPut(s.key(elapsedSecondsKey), strconv.FormatFloat(cp.ElapsedSeconds(), 'f', -1, 64)),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Reset deletes every key under the prefix.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.kv.Delete(ctx, s.prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	s.logger.Info(ctx, "checkpoint keys deleted")
	return nil
}
