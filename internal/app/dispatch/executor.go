package dispatch

import (
	"context"

	"github.com/ahrav/rekey/internal/domain/rekey"
)

// Job is one page handed to the worker pool.
type Job struct {
	Seq  uint64
	Page rekey.Page
}

// Executor performs the work for a single page. Implementations must commit
// the page atomically and return nil only once it is durable.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// PageApplier applies new tokens to a page.
type PageApplier interface {
	Apply(ctx context.Context, page rekey.Page) error
}

// LocalExecutor runs pages in process.
type LocalExecutor struct {
	applier PageApplier
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor that applies pages directly.
func NewLocalExecutor(applier PageApplier) *LocalExecutor {
	return &LocalExecutor{applier: applier}
}

func (e *LocalExecutor) Execute(ctx context.Context, job Job) error {
	return e.applier.Apply(ctx, job.Page)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }
