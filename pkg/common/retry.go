package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/rekey/pkg/common/logger"
)

// RetryConfig bounds ConnectWithRetry.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries for up to 2 minutes, starting at 1 second intervals.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{InitialInterval: time.Second, MaxElapsedTime: 2 * time.Minute}
}

// ConnectWithRetry calls connect with exponential backoff until it succeeds,
// the retry budget is spent, or ctx is done. It smooths over dependencies
// (Postgres, Kafka, etcd) that come up after the process during startup.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg RetryConfig,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		var err error
		conn, err = connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		log.Warn(ctx, "Failed to connect, will retry", "dependency", name, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, attempt, err)
	}

	return conn, nil
}
