package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	libLog "github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

// Committer receives the records of a committed unit of work.
// *outbox.Dispatcher implements it.
type Committer interface {
	DispatchCommitted(ctx context.Context, committed *outbox.Buffer) outbox.DispatchResult
}

var _ Committer = (*outbox.Dispatcher)(nil)

// Principal is who a unit of work acts for.
type Principal struct {
	Actor   outbox.ActorID
	Channel string
}

// Coordinator hands out units of work bound to one registry and committer.
type Coordinator struct {
	registry  *Registry
	committer Committer
	logger    libLog.Logger
	now       func() time.Time
}

type CoordinatorOption func(*Coordinator)

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if now != nil {
			coordinator.now = now
		}
	}
}

func NewCoordinator(registry *Registry, committer Committer, logger libLog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if nilcheck.Interface(committer) {
		return nil, ErrCommitterRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	coordinator := &Coordinator{
		registry:  registry,
		committer: committer,
		logger:    logger,
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}

	return coordinator, nil
}

// Begin opens a unit of work for one storage transaction.
func (coordinator *Coordinator) Begin(_ context.Context, principal Principal) *UnitOfWork {
	return &UnitOfWork{
		coordinator: coordinator,
		principal:   principal,
		buffer:      outbox.NewBuffer(),
	}
}

// UnitOfWork collects the records of one storage transaction. It is owned
// by the goroutine running that transaction and is not safe for concurrent
// use.
type UnitOfWork struct {
	coordinator *Coordinator
	principal   Principal
	buffer      *outbox.Buffer
	done        bool
}

// Capture maps a mutation and buffers the resulting record. Unwatched
// entities, declined mutations and mapper failures leave the buffer as is.
func (uow *UnitOfWork) Capture(ctx context.Context, mutation Mutation) {
	if uow == nil || uow.coordinator == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := uow.coordinator.logger

	if uow.done {
		logger.Log(ctx, libLog.LevelWarn, "change captured after unit of work finished; ignoring",
			libLog.String("entity", mutation.Entity))

		return
	}

	mapFn, ok := uow.coordinator.registry.Lookup(mutation.Entity)
	if !ok {
		return
	}

	if !mutation.Kind.Valid() {
		logger.Log(ctx, libLog.LevelError, "change capture skipped: unknown mutation kind",
			libLog.String("entity", mutation.Entity),
			libLog.String("kind", string(mutation.Kind)))

		return
	}

	fields, keep, err := callMapper(ctx, mapFn, mutation)
	if err != nil {
		logger.Log(ctx, libLog.LevelError, "change capture mapper failed; event lost",
			libLog.String("entity", mutation.Entity),
			libLog.String("kind", string(mutation.Kind)),
			libLog.Err(err))

		return
	}

	if !keep {
		return
	}

	eventName := fields.EventName
	if eventName == "" {
		eventName = defaultEventName(mutation.Entity, mutation.Kind)
	}

	record, err := outbox.NewEventRecord(outbox.RecordFields{
		EventName:     eventName,
		Actor:         uow.principal.Actor,
		Channel:       uow.principal.Channel,
		Kind:          mutation.Kind,
		Entity:        mutation.Entity,
		ChangedFields: mutation.Diff.ChangedFields(),
		Payload:       fields.Payload,
		Related:       fields.Related,
		CapturedAt:    uow.coordinator.now(),
	})
	if err != nil {
		logger.Log(ctx, libLog.LevelError, "change capture could not build event; event lost",
			libLog.String("entity", mutation.Entity),
			libLog.Err(err))

		return
	}

	uow.buffer.Append(record)
}

// Commit hands the buffered records to the committer. Call it only after
// the storage commit succeeded. Later calls, and calls after Rollback, do
// nothing.
func (uow *UnitOfWork) Commit(ctx context.Context) outbox.DispatchResult {
	if uow == nil || uow.coordinator == nil || uow.done {
		return outbox.DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	uow.done = true

	committed := uow.buffer
	uow.buffer = outbox.NewBuffer()

	return uow.coordinator.committer.DispatchCommitted(ctx, committed)
}

// Rollback discards the buffered records.
func (uow *UnitOfWork) Rollback(ctx context.Context) {
	if uow == nil || uow.done {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	uow.done = true

	discarded := len(uow.buffer.Drain())
	if discarded > 0 && uow.coordinator != nil {
		uow.coordinator.logger.Log(ctx, libLog.LevelDebug, "unit of work rolled back; change events discarded",
			libLog.Int("count", discarded))
	}
}

// Pending is the number of buffered records.
func (uow *UnitOfWork) Pending() int {
	if uow == nil {
		return 0
	}

	return uow.buffer.Len()
}

// Done reports whether Commit or Rollback was called.
func (uow *UnitOfWork) Done() bool {
	return uow == nil || uow.done
}

func callMapper(ctx context.Context, mapFn MapFunc, mutation Mutation) (fields Fields, keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields, keep, err = Fields{}, false, fmt.Errorf("%w: %v", ErrMapperPanicked, r)
		}
	}()

	return mapFn(ctx, mutation)
}
