package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/piukhq/angelia-sub001/changefeed"
	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	libLog "github.com/piukhq/angelia-sub001/changefeed/log"
)

// Dispatcher drains committed buffers through a Publisher. Records that
// fail are parked in a backlog and retried on the next commit, flush or
// sweep.
type Dispatcher struct {
	publisher       Publisher
	retryClassifier RetryClassifier
	logger          libLog.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig

	backlogMu sync.Mutex
	backlog   *Buffer

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	stopped    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup

	metrics dispatcherMetrics
}

var _ changefeed.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed int
	Published int
	Requeued  int
	Rejected  int
}

// NewDispatcher creates a dispatcher publishing through publisher.
func NewDispatcher(
	publisher Publisher,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("changefeed.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		backlog:   NewBuffer(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Dispatch runs one cycle over buf. Only the records present when the cycle
// starts are attempted, oldest first. Published records are marked sent and
// dropped; failed ones go back to the tail of buf. Cancelling ctx stops the
// walk and leaves the untried records at the front of buf.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, buf *Buffer) DispatchResult {
	if dispatcher == nil || buf == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	start := time.Now()
	result := dispatcher.walk(ctx, buf)

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.requeued", result.Requeued),
		attribute.Int("outbox.rejected", result.Rejected),
	)

	if result.Requeued > 0 {
		span.SetStatus(codes.Error, "some events were re-queued")
	}

	dispatcher.recordCycle(ctx, result, time.Since(start))

	return result
}

// DispatchCommitted is the commit trigger. The backlog left by earlier
// cycles goes first, then the committed records; whatever is still
// undelivered afterwards is parked back in the backlog. committed is left
// empty.
func (dispatcher *Dispatcher) DispatchCommitted(ctx context.Context, committed *Buffer) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_committed")
	defer span.End()

	cycle := dispatcher.takeBacklog()
	cycle.Append(committed.Drain()...)

	span.SetAttributes(attribute.Int("outbox.cycle_size", cycle.Len()))

	result := dispatcher.Dispatch(ctx, cycle)
	dispatcher.park(ctx, cycle)

	return result
}

// Flush dispatches the backlog alone.
func (dispatcher *Dispatcher) Flush(ctx context.Context) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.flush")
	defer span.End()

	cycle := dispatcher.takeBacklog()
	if cycle.Len() == 0 {
		return DispatchResult{}
	}

	result := dispatcher.Dispatch(ctx, cycle)
	dispatcher.park(ctx, cycle)

	return result
}

// Backlog returns the number of parked records.
func (dispatcher *Dispatcher) Backlog() int {
	if dispatcher == nil {
		return 0
	}

	dispatcher.backlogMu.Lock()
	defer dispatcher.backlogMu.Unlock()

	return dispatcher.backlog.Len()
}

// Run starts the backlog sweep until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *changefeed.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext runs the backlog sweep until Stop is called or ctx is
// cancelled. With no sweep interval configured it only waits.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *changefeed.Launcher) error {
	if dispatcher == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && !nilcheck.Interface(launcher.Logger) {
		launcher.Logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
			libLog.Duration("sweep_interval", dispatcher.cfg.SweepInterval))
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")
	}

	if dispatcher.cfg.SweepInterval <= 0 {
		select {
		case <-dispatcher.stop:
		case <-ctx.Done():
		}

		return nil
	}

	ticker := time.NewTicker(dispatcher.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dispatcher.sweep(ctx)
		}
	}
}

func (dispatcher *Dispatcher) sweep(ctx context.Context) {
	if !dispatcher.beginSweep() {
		return
	}

	defer dispatcher.sweepWg.Done()

	defer func() {
		if r := recover(); r != nil {
			dispatcher.logger.Log(ctx, libLog.LevelError, "outbox backlog sweep panicked",
				libLog.String("panic", fmt.Sprint(r)))
		}
	}()

	if dispatcher.Backlog() == 0 {
		return
	}

	dispatcher.Flush(ctx)
}

// Stop signals the sweep loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		dispatcher.stopped = true
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the sweep, waits for an in-flight sweep, then makes one
// last attempt at the backlog. Every record still undelivered after that is
// logged at error and reported through ErrBacklogNotDrained.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	go func() {
		dispatcher.sweepWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}

	dispatcher.Flush(ctx)

	dispatcher.backlogMu.Lock()
	leftovers := dispatcher.backlog.Snapshot()
	dispatcher.backlogMu.Unlock()

	if len(leftovers) == 0 {
		return nil
	}

	for _, record := range leftovers {
		dispatcher.logger.Log(ctx, libLog.LevelError, "change event undelivered at shutdown",
			libLog.String("event_id", record.ID().String()),
			libLog.String("event_name", record.EventName()),
			libLog.String("entity", record.Entity()),
			libLog.Int("attempts", int(record.Attempts())),
		)
	}

	return fmt.Errorf("%w: %d events", ErrBacklogNotDrained, len(leftovers))
}

func (dispatcher *Dispatcher) walk(ctx context.Context, buf *Buffer) DispatchResult {
	var result DispatchResult

	pending := buf.Len()

	for range pending {
		if ctx.Err() != nil {
			break
		}

		record, ok := buf.PopFront()
		if !ok {
			break
		}

		if record.Sent() {
			continue
		}

		result.Processed++

		err := dispatcher.publish(ctx, record)
		if err == nil {
			record.MarkSent()

			result.Published++

			continue
		}

		attempts := record.recordFailure()

		if dispatcher.isNonRetryable(err) {
			dispatcher.logger.Log(ctx, libLog.LevelError, "change event rejected by publisher; dropping",
				libLog.String("event_id", record.ID().String()),
				libLog.String("event_name", record.EventName()),
				libLog.String("entity", record.Entity()),
				libLog.String("error", SanitizeErrorMessage(err)),
			)

			result.Rejected++

			continue
		}

		buf.Append(record)

		result.Requeued++

		dispatcher.logger.Log(ctx, libLog.LevelWarn, "change event publish failed; re-queued",
			libLog.String("event_id", record.ID().String()),
			libLog.String("event_name", record.EventName()),
			libLog.String("entity", record.Entity()),
			libLog.Int("attempts", int(attempts)),
			libLog.String("error", SanitizeErrorMessage(err)),
		)
	}

	return result
}

func (dispatcher *Dispatcher) publish(ctx context.Context, record *EventRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPublisherPanicked, r)
		}
	}()

	return dispatcher.publisher.PublishEvent(ctx, record.EventName(), record.WirePayload())
}

func (dispatcher *Dispatcher) isNonRetryable(err error) bool {
	if nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) takeBacklog() *Buffer {
	dispatcher.backlogMu.Lock()
	defer dispatcher.backlogMu.Unlock()

	return NewBuffer(dispatcher.backlog.Drain()...)
}

func (dispatcher *Dispatcher) park(ctx context.Context, cycle *Buffer) {
	dispatcher.backlogMu.Lock()
	dispatcher.backlog.Append(cycle.Drain()...)
	depth := dispatcher.backlog.Len()
	dispatcher.backlogMu.Unlock()

	if dispatcher.metrics.backlogDepth != nil {
		dispatcher.metrics.backlogDepth.Record(ctx, int64(depth))
	}
}

func (dispatcher *Dispatcher) recordCycle(ctx context.Context, result DispatchResult, elapsed time.Duration) {
	if dispatcher.metrics.eventsDispatched != nil && result.Published > 0 {
		dispatcher.metrics.eventsDispatched.Add(ctx, int64(result.Published))
	}

	if dispatcher.metrics.eventsRequeued != nil && result.Requeued > 0 {
		dispatcher.metrics.eventsRequeued.Add(ctx, int64(result.Requeued))
	}

	if dispatcher.metrics.eventsRejected != nil && result.Rejected > 0 {
		dispatcher.metrics.eventsRejected.Add(ctx, int64(result.Rejected))
	}

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, elapsed.Seconds())
	}
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

// beginSweep registers a sweep with sweepWg unless Stop already ran, so
// Shutdown never waits on a group that can still grow.
func (dispatcher *Dispatcher) beginSweep() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.stopped {
		return false
	}

	dispatcher.sweepWg.Add(1)

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}
