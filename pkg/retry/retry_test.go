package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/pkg/retry"
)

// fakeClock records requested waits and returns immediately.
type fakeClock struct {
	waits []time.Duration
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestDoWithClock_ReadyOnFirstSuccess(t *testing.T) {
	clock := &fakeClock{}
	calls := 0

	result := retry.DoWithClock(
		context.Background(),
		retry.Policy{Attempts: 60, Interval: 5 * time.Second},
		clock,
		func(context.Context) error {
			calls++
			return nil
		},
	)

	assert.Equal(t, retry.Ready, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
	assert.NoError(t, result.LastErr)
	assert.Empty(t, clock.waits, "no wait should precede or follow a single successful attempt")
}

func TestDoWithClock_ReadyAfterFailures(t *testing.T) {
	clock := &fakeClock{}
	calls := 0

	result := retry.DoWithClock(
		context.Background(),
		retry.Policy{Attempts: 60, Interval: 5 * time.Second},
		clock,
		func(context.Context) error {
			calls++
			if calls < 4 {
				return errors.New("connection refused")
			}
			return nil
		},
	)

	assert.Equal(t, retry.Ready, result.Outcome)
	assert.Equal(t, 4, result.Attempts)
	// One wait per failed attempt that was followed by another attempt.
	assert.Len(t, clock.waits, 3)
}

func TestDoWithClock_ExhaustedAfterBudget(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	probeErr := errors.New("control API unavailable")

	result := retry.DoWithClock(
		context.Background(),
		retry.Policy{Attempts: 60, Interval: 5 * time.Second},
		clock,
		func(context.Context) error {
			calls++
			return probeErr
		},
	)

	assert.Equal(t, retry.Exhausted, result.Outcome)
	assert.Equal(t, 60, result.Attempts)
	assert.Equal(t, 60, calls, "exactly 60 attempts must be made")
	require.ErrorIs(t, result.LastErr, probeErr)

	// 60 attempts are separated by 59 fixed-interval waits (~295s of
	// spacing plus attempt time, i.e. the 300 second horizon).
	require.Len(t, clock.waits, 59)
	for _, d := range clock.waits {
		assert.Equal(t, 5*time.Second, d)
	}
}

func TestDoWithClock_CanceledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	result := retry.DoWithClock(
		ctx,
		retry.Policy{Attempts: 10, Interval: time.Minute},
		// Real clock: the loop must observe cancellation rather than
		// sleeping out the interval.
		realAfter{},
		func(context.Context) error {
			cancel()
			return errors.New("still down")
		},
	)

	assert.Equal(t, retry.Canceled, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	require.ErrorIs(t, result.LastErr, context.Canceled)
}

type realAfter struct{}

func (realAfter) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", retry.Ready.String())
	assert.Equal(t, "exhausted", retry.Exhausted.String())
	assert.Equal(t, "canceled", retry.Canceled.String())
}
