//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear(t *testing.T) {
	t.Parallel()

	step := 250 * time.Millisecond

	tests := []struct {
		name     string
		start    time.Duration
		attempt  int
		ceiling  time.Duration
		expected time.Duration
	}{
		{name: "first retry is immediate", start: 0, attempt: 0, ceiling: time.Second, expected: 0},
		{name: "second retry waits one step", start: 0, attempt: 1, ceiling: time.Second, expected: 250 * time.Millisecond},
		{name: "third retry waits two steps", start: 0, attempt: 2, ceiling: time.Second, expected: 500 * time.Millisecond},
		{name: "capped at ceiling", start: 0, attempt: 10, ceiling: time.Second, expected: time.Second},
		{name: "no ceiling", start: 0, attempt: 10, ceiling: 0, expected: 2500 * time.Millisecond},
		{name: "start offset", start: 100 * time.Millisecond, attempt: 1, ceiling: time.Second, expected: 350 * time.Millisecond},
		{name: "negative attempt", start: 0, attempt: -3, ceiling: time.Second, expected: 0},
		{name: "negative start clamps to zero", start: -time.Second, attempt: 1, ceiling: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Linear(tt.start, step, tt.attempt, tt.ceiling))
		})
	}
}

func TestLinearOverflow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(math.MaxInt64), Linear(0, time.Hour, math.MaxInt32, 0))
	assert.Equal(t, time.Second, Linear(0, time.Hour, math.MaxInt32, time.Second))
}

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -1))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 100))
}

func TestFullJitterRange(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 100 {
		d := FullJitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Millisecond)
	}
}

func TestExponentialWithJitterBounded(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		d := ExponentialWithJitter(time.Millisecond, attempt)
		assert.Less(t, d, Exponential(time.Millisecond, attempt))
	}
}

func TestWaitContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, WaitContext(context.Background(), 0))
	require.NoError(t, WaitContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
