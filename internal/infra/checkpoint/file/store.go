// Package file stores the checkpoint as a small text file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "last_processed_id.txt"

var _ rekey.CheckpointStore = (*Store)(nil)

// syncDir flushes a directory entry so a completed rename survives power
// loss.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Store keeps the checkpoint as two lines: the last processed id and the
// cumulative elapsed seconds. A missing file is the zero checkpoint.
type Store struct {
	path   string
	logger *logger.Logger
}

// NewStore creates a file-backed checkpoint store at path.
func NewStore(path string, logger *logger.Logger) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path, logger: logger.With("component", "file_checkpoint", "path", path)}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load reads the checkpoint. Content that does not parse is treated as
// absent and logged, which means the next run starts over from the first
// record.
func (s *Store) Load(ctx context.Context) (rekey.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rekey.ZeroCheckpoint(), nil
		}
		return rekey.Checkpoint{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	cp, err := decode(string(data))
	if err != nil {
		s.logger.Warn(ctx, "checkpoint file is corrupt; starting from zero", "error", err)
		return rekey.ZeroCheckpoint(), nil
	}
	return cp, nil
}

func decode(s string) (rekey.Checkpoint, error) {
	lines := strings.Fields(s)
	if len(lines) == 0 || len(lines) > 2 {
		return rekey.Checkpoint{}, fmt.Errorf("expected 1 or 2 values, got %d", len(lines))
	}

	id, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil || id < 0 {
		return rekey.Checkpoint{}, fmt.Errorf("invalid last processed id %q", lines[0])
	}

	var elapsed float64
	if len(lines) == 2 {
		elapsed, err = strconv.ParseFloat(lines[1], 64)
		if err != nil || elapsed < 0 {
			return rekey.Checkpoint{}, fmt.Errorf("invalid elapsed seconds %q", lines[1])
		}
	}

	return rekey.Checkpoint{LastProcessedID: id, CumulativeElapsed: rekey.DurationFromSeconds(elapsed)}, nil
}

func encode(cp rekey.Checkpoint) []byte {
	return []byte(fmt.Sprintf("%d\n%s\n", cp.LastProcessedID,
		strconv.FormatFloat(cp.ElapsedSeconds(), 'f', -1, 64)))
}

// Save replaces the file atomically: the new content is written to a
// temporary file in the same directory, synced, then renamed over the old
// one, and the directory is synced. A crash leaves either the old or the new
// checkpoint, never a mix.
func (s *Store) Save(ctx context.Context, cp rekey.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(encode(cp)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}
	return nil
}

// Reset removes the file; absence reads back as the zero checkpoint.
func (s *Store) Reset(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	s.logger.Info(ctx, "checkpoint file removed")
	return nil
}
