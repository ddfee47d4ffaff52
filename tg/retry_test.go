package tg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Run("succeeds_after_transient_failures", testRetryTransient)
	t.Run("exhausts_attempts", testRetryExhausted)
	t.Run("permanent_error_stops_immediately", testRetryPermanent)
	t.Run("context_cancellation_stops", testRetryContextCancel)
	t.Run("fixed_retry_attempt_count", testRetryFixed)
	t.Run("observer_receives_final_stats", testRetryObserver)
}

func testRetryTransient(t *testing.T) {
	calls := 0
	err := runWithBackoff(context.Background(), "test op", 3, time.Millisecond, nil, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func testRetryExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := runWithBackoff(context.Background(), "test op", 3, time.Millisecond, nil, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func testRetryPermanent(t *testing.T) {
	boom := errors.New("bad input")
	calls := 0
	err := runWithBackoff(context.Background(), "test op", 5, time.Millisecond, nil, func() error {
		calls++
		return Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	require.NoError(t, Permanent(nil))
}

func testRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := runWithBackoff(ctx, "test op", 10, 50*time.Millisecond, nil, func() error {
		calls++
		cancel()
		return errors.New("keep going")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func testRetryFixed(t *testing.T) {
	calls := 0
	err := runWithFixedRetry(context.Background(), "test op", 4, 0, nil, func() error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	require.Equal(t, 4, calls)

	// maxAttempts below one still runs once
	calls = 0
	err = runWithFixedRetry(context.Background(), "test op", 0, 0, nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func testRetryObserver(t *testing.T) {
	var observed []RetryStats
	observer := RetryObserverFunc(func(stats RetryStats) {
		observed = append(observed, stats)
	})

	calls := 0
	err := runWithFixedRetry(context.Background(), "flush log", 3, 0, observer, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, observed, 1)
	require.Equal(t, "flush log", observed[0].Operation)
	require.Equal(t, 2, observed[0].Attempts)
	require.True(t, observed[0].Success)

	observed = nil
	err = runWithFixedRetry(context.Background(), "flush log", 2, 0, observer, func() error {
		return errors.New("always")
	})
	require.Error(t, err)
	require.Len(t, observed, 1)
	require.Equal(t, 2, observed[0].Attempts)
	require.False(t, observed[0].Success)
}
