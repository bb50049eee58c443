package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2}, func(int) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5}, func(int) error {
		calls++
		return Stop(fatal)
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{Attempts: 3, Delay: time.Hour, DelayFirst: true}, func(int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDoWaitsFixedDelay(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Policy{Attempts: 3, Delay: 10 * time.Millisecond}, func(int) error {
		return errors.New("again")
	})
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
