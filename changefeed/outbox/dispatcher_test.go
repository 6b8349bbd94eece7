//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	libLog "github.com/piukhq/angelia-sub001/changefeed/log"
)

func newTestDispatcher(t *testing.T, publisher Publisher, logger libLog.Logger, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(publisher, logger, noop.NewTracerProvider().Tracer("test"), opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcher_RequiresPublisher(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(nil, nil, nil)
	require.Nil(t, dispatcher)
	require.ErrorIs(t, err, ErrPublisherRequired)

	var typedNil *fakePublisher

	_, err = NewDispatcher(typedNil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestDispatcher_DispatchPublishesInOrder(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	dispatcher := newTestDispatcher(t, publisher, nil)

	records := newRecords(t, "user", "scheme_account", "payment_card")
	buf := NewBuffer(records...)

	result := dispatcher.Dispatch(context.Background(), buf)

	assert.Equal(t, DispatchResult{Processed: 3, Published: 3}, result)
	assert.Equal(t, []string{"user", "scheme_account", "payment_card"}, publisher.entities())
	assert.Zero(t, buf.Len())

	for _, record := range records {
		assert.True(t, record.Sent())
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	assert.Equal(t, "mapped_history", publisher.calls[0].name)
	assert.NotContains(t, publisher.calls[0].payload, "event_name")
}

func TestDispatcher_DispatchRequeuesFailuresAtTail(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{
		failWhen: func(_ int, _ string, payload map[string]any) error {
			if payload["table"] == "b" || payload["table"] == "d" {
				return errBrokerDown
			}

			return nil
		},
	}
	logger := &recordingLogger{}
	dispatcher := newTestDispatcher(t, publisher, logger)

	buf := NewBuffer(newRecords(t, "a", "b", "c", "d")...)

	result := dispatcher.Dispatch(context.Background(), buf)

	assert.Equal(t, DispatchResult{Processed: 4, Published: 2, Requeued: 2}, result)
	assert.Equal(t, []string{"a", "b", "c", "d"}, publisher.entities())

	left := buf.Snapshot()
	assert.Equal(t, []string{"b", "d"}, entitiesOf(left))

	for _, record := range left {
		assert.False(t, record.Sent())
		assert.Equal(t, int64(1), record.Attempts())
	}

	warnings := logger.atLevel(libLog.LevelWarn)
	require.Len(t, warnings, 2)
	assert.Equal(t, left[0].ID().String(), warnings[0].fields["event_id"])
	assert.Equal(t, "mapped_history", warnings[0].fields["event_name"])
	assert.Equal(t, "b", warnings[0].fields["entity"])
	assert.Equal(t, 1, warnings[0].fields["attempts"])
	assert.Equal(t, "broker down", warnings[0].fields["error"])
}

func TestDispatcher_RequeuedRecordsRetryNextCycle(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		down = true
	)

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error {
			mu.Lock()
			defer mu.Unlock()

			if down {
				return errBrokerDown
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil)

	buf := NewBuffer(newRecords(t, "a", "b", "c")...)

	first := dispatcher.Dispatch(context.Background(), buf)
	assert.Equal(t, DispatchResult{Processed: 3, Requeued: 3}, first)
	assert.Equal(t, 3, publisher.callCount(), "re-queued records are not retried in the same cycle")
	assert.Equal(t, []string{"a", "b", "c"}, entitiesOf(buf.Snapshot()))

	mu.Lock()
	down = false
	mu.Unlock()

	second := dispatcher.Dispatch(context.Background(), buf)
	assert.Equal(t, DispatchResult{Processed: 3, Published: 3}, second)
	assert.Zero(t, buf.Len())
}

func TestDispatcher_DispatchRecoversPublisherPanic(t *testing.T) {
	t.Parallel()

	publisher := PublisherFunc(func(context.Context, string, map[string]any) error {
		panic("boom")
	})
	logger := &recordingLogger{}
	dispatcher := newTestDispatcher(t, publisher, logger)

	buf := NewBuffer(newRecord(t, "user"))

	var result DispatchResult

	require.NotPanics(t, func() {
		result = dispatcher.Dispatch(context.Background(), buf)
	})

	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, 1, buf.Len())
	require.Len(t, logger.atLevel(libLog.LevelWarn), 1)
}

func TestDispatcher_DispatchStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	publisher := &fakePublisher{
		failWhen: func(call int, _ string, _ map[string]any) error {
			if call == 1 {
				cancel()
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil)

	buf := NewBuffer(newRecords(t, "a", "b", "c")...)

	result := dispatcher.Dispatch(ctx, buf)

	assert.Equal(t, DispatchResult{Processed: 1, Published: 1}, result)
	assert.Equal(t, []string{"b", "c"}, entitiesOf(buf.Snapshot()))
}

func TestDispatcher_DispatchSkipsAlreadySentRecords(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	dispatcher := newTestDispatcher(t, publisher, nil)

	sent := newRecord(t, "a")
	sent.MarkSent()

	buf := NewBuffer(sent, newRecord(t, "b"))

	result := dispatcher.Dispatch(context.Background(), buf)

	assert.Equal(t, DispatchResult{Processed: 1, Published: 1}, result)
	assert.Equal(t, []string{"b"}, publisher.entities())
}

func TestDispatcher_NonRetryableErrorsAreRejected(t *testing.T) {
	t.Parallel()

	errMalformed := errors.New("malformed payload")

	publisher := &fakePublisher{
		failWhen: func(_ int, _ string, payload map[string]any) error {
			if payload["table"] == "bad" {
				return fmt.Errorf("publish: %w", errMalformed)
			}

			return errBrokerDown
		},
	}
	logger := &recordingLogger{}
	dispatcher := newTestDispatcher(t, publisher, logger,
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, errMalformed)
		})),
	)

	buf := NewBuffer(newRecords(t, "bad", "good")...)

	result := dispatcher.Dispatch(context.Background(), buf)

	assert.Equal(t, DispatchResult{Processed: 2, Requeued: 1, Rejected: 1}, result)
	assert.Equal(t, []string{"good"}, entitiesOf(buf.Snapshot()))

	errs := logger.atLevel(libLog.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "bad", errs[0].fields["entity"])
}

func TestDispatcher_DispatchNilInputs(t *testing.T) {
	t.Parallel()

	var nilDispatcher *Dispatcher

	assert.Equal(t, DispatchResult{}, nilDispatcher.Dispatch(context.Background(), NewBuffer()))
	assert.Equal(t, DispatchResult{}, nilDispatcher.DispatchCommitted(context.Background(), NewBuffer()))
	assert.Zero(t, nilDispatcher.Backlog())
	require.NoError(t, nilDispatcher.Shutdown(context.Background()))

	dispatcher := newTestDispatcher(t, &fakePublisher{}, nil)

	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, DispatchResult{}, dispatcher.Dispatch(nil, nil))
}

func TestDispatcher_DispatchCommittedParksAndRetriesBacklog(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		down = true
	)

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error {
			mu.Lock()
			defer mu.Unlock()

			if down {
				return errBrokerDown
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil)

	first := NewBuffer(newRecords(t, "a", "b")...)
	result := dispatcher.DispatchCommitted(context.Background(), first)

	assert.Equal(t, 2, result.Requeued)
	assert.Zero(t, first.Len())
	assert.Equal(t, 2, dispatcher.Backlog())

	mu.Lock()
	down = false
	mu.Unlock()

	second := NewBuffer(newRecord(t, "c"))
	result = dispatcher.DispatchCommitted(context.Background(), second)

	assert.Equal(t, DispatchResult{Processed: 3, Published: 3}, result)
	assert.Zero(t, dispatcher.Backlog())
	assert.Equal(t, []string{"a", "b", "a", "b", "c"}, publisher.entities())
}

func TestDispatcher_FlushDrainsBacklog(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		down = true
	)

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error {
			mu.Lock()
			defer mu.Unlock()

			if down {
				return errBrokerDown
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil)

	assert.Equal(t, DispatchResult{}, dispatcher.Flush(context.Background()))

	dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecord(t, "a")))
	require.Equal(t, 1, dispatcher.Backlog())

	mu.Lock()
	down = false
	mu.Unlock()

	result := dispatcher.Flush(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.Zero(t, dispatcher.Backlog())
}

func TestDispatcher_ConcurrentCommitsNeverShareRecords(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	dispatcher := newTestDispatcher(t, publisher, nil)

	const workers = 8

	var wg sync.WaitGroup

	wg.Add(workers)

	for i := range workers {
		go func() {
			defer wg.Done()

			record, err := NewEventRecord(RecordFields{
				EventName: "mapped_history",
				Kind:      MutationCreate,
				Entity:    fmt.Sprintf("entity_%d", i),
			})
			if err != nil {
				return
			}

			dispatcher.DispatchCommitted(context.Background(), NewBuffer(record))
		}()
	}

	wg.Wait()

	entities := publisher.entities()
	assert.Len(t, entities, workers)
	assert.ElementsMatch(t, []string{
		"entity_0", "entity_1", "entity_2", "entity_3",
		"entity_4", "entity_5", "entity_6", "entity_7",
	}, entities)
}

func TestDispatcher_ShutdownFlushesAndReportsLosses(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error { return errBrokerDown },
	}
	logger := &recordingLogger{}
	dispatcher := newTestDispatcher(t, publisher, logger)

	dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecords(t, "a", "b")...))
	require.Equal(t, 2, dispatcher.Backlog())

	err := dispatcher.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrBacklogNotDrained)
	assert.Equal(t, 4, publisher.callCount(), "shutdown makes one last attempt")

	lost := logger.atLevel(libLog.LevelError)
	require.Len(t, lost, 2)
	assert.Equal(t, "a", lost[0].fields["entity"])
	assert.Equal(t, 2, lost[0].fields["attempts"])
}

func TestDispatcher_ShutdownWithEmptyBacklog(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, &fakePublisher{}, nil)

	require.NoError(t, dispatcher.Shutdown(context.Background()))
	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestDispatcher_RunSweepsBacklog(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		down = true
	)

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error {
			mu.Lock()
			defer mu.Unlock()

			if down {
				return errBrokerDown
			}

			return nil
		},
	}
	dispatcher := newTestDispatcher(t, publisher, nil, WithSweepInterval(5*time.Millisecond))

	dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecord(t, "a")))
	require.Equal(t, 1, dispatcher.Backlog())

	mu.Lock()
	down = false
	mu.Unlock()

	runDone := make(chan error, 1)
	go func() {
		runDone <- dispatcher.Run(nil)
	}()

	require.Eventually(t, func() bool {
		return dispatcher.Backlog() == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, dispatcher.Shutdown(context.Background()))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher run did not stop")
	}
}

func TestDispatcher_SweepAfterStopDoesNotPublish(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{
		failWhen: func(int, string, map[string]any) error { return errBrokerDown },
	}
	dispatcher := newTestDispatcher(t, publisher, nil)

	dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecord(t, "a")))
	require.Equal(t, 1, publisher.callCount())

	dispatcher.Stop()
	dispatcher.sweep(context.Background())

	assert.Equal(t, 1, publisher.callCount(), "a tick racing Stop leaves the backlog to Shutdown")
	assert.Equal(t, 1, dispatcher.Backlog())

	require.ErrorIs(t, dispatcher.Shutdown(context.Background()), ErrBacklogNotDrained)
	assert.Equal(t, 2, publisher.callCount())
}

func TestDispatcher_ShutdownDuringSweeps(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		dispatcher := newTestDispatcher(t, &fakePublisher{}, nil, WithSweepInterval(time.Millisecond))

		runDone := make(chan error, 1)
		go func() {
			runDone <- dispatcher.Run(nil)
		}()

		dispatcher.DispatchCommitted(context.Background(), NewBuffer(newRecord(t, "a")))

		require.NoError(t, dispatcher.Shutdown(context.Background()))

		select {
		case err := <-runDone:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("dispatcher run did not stop")
		}
	}
}

func TestDispatcher_RunWithoutSweepWaitsForStop(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, &fakePublisher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)

	go func() {
		runDone <- dispatcher.RunContext(ctx, nil)
	}()

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, dispatcher.RunContext(context.Background(), nil), ErrDispatcherRunning)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher run did not stop after parent context cancellation")
	}
}
