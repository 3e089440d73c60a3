package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUntilSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Until(context.Background(), Spec{MaxAttempts: 5, Interval: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestUntilReturnsLastErrorOnExhaustion(t *testing.T) {
	attempts := 0
	last := errors.New("still down")
	err := Until(context.Background(), Spec{MaxAttempts: 3, Interval: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return last
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 3, attempts)
}

func TestUntilRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, Spec{MaxAttempts: 10, Interval: 50 * time.Millisecond, InitialDelay: time.Second}, func(ctx context.Context) error {
		return errors.New("unreachable")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUntilRejectsZeroAttempts(t *testing.T) {
	err := Until(context.Background(), Spec{}, func(ctx context.Context) error { return nil })
	require.Error(t, err)
}
