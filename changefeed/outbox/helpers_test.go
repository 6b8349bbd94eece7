//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	libLog "github.com/piukhq/angelia-sub001/changefeed/log"
)

var errBrokerDown = errors.New("broker down")

type publishedEvent struct {
	name    string
	payload map[string]any
}

// fakePublisher records every call. failWhen decides per call whether to fail.
type fakePublisher struct {
	mu       sync.Mutex
	calls    []publishedEvent
	failWhen func(call int, eventName string, payload map[string]any) error
}

func (publisher *fakePublisher) PublishEvent(_ context.Context, eventName string, payload map[string]any) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	publisher.calls = append(publisher.calls, publishedEvent{name: eventName, payload: payload})

	if publisher.failWhen != nil {
		return publisher.failWhen(len(publisher.calls), eventName, payload)
	}

	return nil
}

func (publisher *fakePublisher) entities() []string {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	out := make([]string, 0, len(publisher.calls))
	for _, call := range publisher.calls {
		out = append(out, fmt.Sprint(call.payload["table"]))
	}

	return out
}

func (publisher *fakePublisher) callCount() int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return len(publisher.calls)
}

type logEntry struct {
	level  libLog.Level
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (logger *recordingLogger) Log(_ context.Context, level libLog.Level, msg string, fields ...libLog.Field) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	entry := logEntry{level: level, msg: msg, fields: map[string]any{}}
	for _, field := range fields {
		entry.fields[field.Key] = field.Value
	}

	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) With(...libLog.Field) libLog.Logger { return logger }
func (logger *recordingLogger) WithGroup(string) libLog.Logger     { return logger }
func (logger *recordingLogger) Enabled(libLog.Level) bool          { return true }
func (logger *recordingLogger) Sync(context.Context) error         { return nil }

func (logger *recordingLogger) atLevel(level libLog.Level) []logEntry {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	var out []logEntry

	for _, entry := range logger.entries {
		if entry.level == level {
			out = append(out, entry)
		}
	}

	return out
}

func newRecord(t *testing.T, entity string) *EventRecord {
	t.Helper()

	record, err := NewEventRecord(RecordFields{
		EventName: "mapped_history",
		Actor:     ActorFromInt(42),
		Channel:   "com.bink.wallet",
		Kind:      MutationCreate,
		Entity:    entity,
		Payload:   map[string]any{"id": 1},
	})
	require.NoError(t, err)

	return record
}

func newRecords(t *testing.T, entities ...string) []*EventRecord {
	t.Helper()

	out := make([]*EventRecord, 0, len(entities))
	for _, entity := range entities {
		out = append(out, newRecord(t, entity))
	}

	return out
}

func entitiesOf(records []*EventRecord) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.Entity())
	}

	return out
}
