// retry.go is the single retry/backoff combinator applied at every I/O
// boundary: append-log flushes, store reads/writes, ledger appends and
// upstream fetches all go through runWithBackoff or runWithFixedRetry
// instead of hand-rolling loops per call site.

package tg

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStats tracks retry behavior for one I/O operation.
type RetryStats struct {
	Operation       string
	Attempts        int
	TotalRetryDelay time.Duration
	Success         bool
}

// RetryObserver is notified after every retried operation completes,
// successfully or not.
type RetryObserver interface {
	ObserveRetry(stats RetryStats)
}

// RetryObserverFunc is an adapter to allow ordinary functions to be used
// as RetryObserver.
type RetryObserverFunc func(stats RetryStats)

// ObserveRetry calls f(stats).
func (f RetryObserverFunc) ObserveRetry(stats RetryStats) {
	if f != nil {
		f(stats)
	}
}

// Permanent marks err as non-retryable for the combinators in this file.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// runWithBackoff runs op with bounded exponential backoff: maxAttempts
// total attempts, delay doubling from base. Errors wrapped via Permanent
// stop immediately, as does context cancellation. The observer, when
// non-nil, receives the final stats exactly once.
func runWithBackoff(ctx context.Context, operation string, maxAttempts int, base time.Duration, observer RetryObserver, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 2 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	return retryNotify(ctx, operation, observer, op, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)))
}

// runWithFixedRetry runs op up to maxAttempts times with a fixed delay
// between attempts. Used for controller-level step retries where backoff
// growth buys nothing.
func runWithFixedRetry(ctx context.Context, operation string, maxAttempts int, delay time.Duration, observer RetryObserver, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return retryNotify(ctx, operation, observer, op, backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxAttempts-1)))
}

func retryNotify(ctx context.Context, operation string, observer RetryObserver, op func() error, bo backoff.BackOff) error {
	stats := RetryStats{Operation: operation}

	wrapped := func() error {
		stats.Attempts++
		return op()
	}
	notify := func(err error, delay time.Duration) {
		stats.TotalRetryDelay += delay
		slog.Default().WarnContext(ctx, "retrying operation", "operation", operation, "reason", "attempt_failed", "attempt", stats.Attempts, "delay", delay.String(), "error", err)
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(bo, ctx), notify)
	stats.Success = err == nil
	if observer != nil {
		observer.ObserveRetry(stats)
	}
	return err
}
