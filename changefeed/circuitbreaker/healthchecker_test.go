//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker_Validation(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)

	_, err := NewHealthChecker(nil, time.Second, time.Second, nil)
	require.ErrorIs(t, err, ErrNilManager)

	_, err = NewHealthChecker(manager, 0, time.Second, nil)
	require.ErrorIs(t, err, ErrInvalidHealthCheckInterval)

	_, err = NewHealthChecker(manager, time.Second, -time.Second, nil)
	require.ErrorIs(t, err, ErrInvalidHealthCheckTimeout)

	hc, err := NewHealthChecker(manager, time.Second, time.Second, nil)
	require.NoError(t, err)
	assert.NotNil(t, hc)
}

func TestHealthChecker_ResetsRecoveredBreaker(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	_, err := manager.GetOrCreate("rabbitmq", tripConfig())
	require.NoError(t, err)

	hc, err := NewHealthChecker(manager, time.Hour, time.Second, nil)
	require.NoError(t, err)

	manager.RegisterStateChangeListener(hc)

	var probes atomic.Int32

	hc.Register("rabbitmq", func(context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("still down")
		}

		return nil
	})

	done := make(chan error, 1)
	go func() { done <- hc.Run(nil) }()

	for range 3 {
		_, _ = manager.Execute("rabbitmq", func() (any, error) { return nil, errService })
	}

	require.Eventually(t, func() bool { return probes.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, map[string]string{"rabbitmq": string(StateOpen)}, hc.Status())

	hc.checkAll()

	assert.Equal(t, StateClosed, manager.GetState("rabbitmq"))
	assert.Equal(t, int32(2), probes.Load())

	hc.Stop()
	hc.Stop()
	require.NoError(t, <-done)
}
