package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0, MaxBackoff: 10 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0, MaxBackoff: 10 * time.Millisecond}
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return boom
	})
	require.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, boom)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoDoesNotRetryCanceled(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return context.Canceled
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffForGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, BackoffMultiplier: 2.0, MaxBackoff: 300 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, backoffFor(cfg, 1))
	require.Equal(t, 200*time.Millisecond, backoffFor(cfg, 2))
	require.Equal(t, 300*time.Millisecond, backoffFor(cfg, 3))
	require.Equal(t, 300*time.Millisecond, backoffFor(cfg, 10))
}
