package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/piukhq/angelia-sub001/changefeed/backoff"
	"github.com/piukhq/angelia-sub001/changefeed/circuitbreaker"
	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
)

const (
	DefaultMaxRetries     = 3
	DefaultBackoffStart   = 0
	DefaultBackoffStep    = 250 * time.Millisecond
	DefaultBackoffCeiling = time.Second
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover every unconfirmed publish; the sender
	// has at most one in flight.
	confirmChannelBuffer = 256

	exchangeSuffix      = "_exchange"
	destinationTypeKey  = "destination-type"
	destinationTypeName = "ANYCAST"
)

// Sender publishes JSON messages to per-queue direct exchanges. One mutex
// serializes the whole publish sequence, retries included, so the
// connection, the channel and the topology cache are never shared between
// two publishes.
type Sender struct {
	mu sync.Mutex

	conn           *Connection
	logger         log.Logger
	maxRetries     int
	backoffStart   time.Duration
	backoffStep    time.Duration
	backoffCeiling time.Duration
	confirmTimeout time.Duration
	sleep          func(context.Context, time.Duration) error
	now            func() time.Time

	breakers    circuitbreaker.Manager
	breakerName string

	meterProvider metric.MeterProvider
	metrics       senderMetrics

	channel  AMQPChannel
	confirms chan amqp.Confirmation
	declared map[string]struct{}
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithMaxRetries sets how many reconnect-and-republish rounds follow a
// transient failure. Negative values mean no retries.
func WithMaxRetries(retries int) SenderOption {
	return func(s *Sender) {
		s.maxRetries = max(retries, 0)
	}
}

// WithBackoff sets the linear delay before each retry: start for the
// first, growing by step, never above ceiling.
func WithBackoff(start, step, ceiling time.Duration) SenderOption {
	return func(s *Sender) {
		s.backoffStart = start
		s.backoffStep = step
		s.backoffCeiling = ceiling
	}
}

// WithConfirmTimeout bounds the wait for each publisher confirm.
func WithConfirmTimeout(timeout time.Duration) SenderOption {
	return func(s *Sender) {
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

// WithLogger sets the logger for retry and failure reporting.
func WithLogger(logger log.Logger) SenderOption {
	return func(s *Sender) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithCircuitBreaker runs every publish, retries included, through the
// named breaker, so one exhausted publish counts as one failure.
// The breaker must already exist in manager.
func WithCircuitBreaker(manager circuitbreaker.Manager, name string) SenderOption {
	return func(s *Sender) {
		if !nilcheck.Interface(manager) && name != "" {
			s.breakers = manager
			s.breakerName = name
		}
	}
}

// WithMeterProvider sets the provider for the publish counters.
func WithMeterProvider(provider metric.MeterProvider) SenderOption {
	return func(s *Sender) {
		if !nilcheck.Interface(provider) {
			s.meterProvider = provider
		}
	}
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) SenderOption {
	return func(s *Sender) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewSender builds a Sender on conn. Nothing is dialed until the first
// publish.
func NewSender(conn *Connection, opts ...SenderOption) (*Sender, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	s := &Sender{
		conn:           conn,
		logger:         conn.logger(),
		maxRetries:     DefaultMaxRetries,
		backoffStart:   DefaultBackoffStart,
		backoffStep:    DefaultBackoffStep,
		backoffCeiling: DefaultBackoffCeiling,
		confirmTimeout: DefaultConfirmTimeout,
		sleep:          backoff.WaitContext,
		now:            time.Now,
		meterProvider:  otel.GetMeterProvider(),
		declared:       make(map[string]struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.metrics = newSenderMetrics(s.meterProvider, s.logger)

	return s, nil
}

// Publish sends {"body": payload, "headers": headers} to queue and waits for
// the broker confirm. Transient failures are retried up to the configured
// bound; after that the last error is returned wrapped in
// ErrPublishRetriesExhausted.
func (s *Sender) Publish(ctx context.Context, queue string, payload any, headers map[string]any) error {
	if s == nil {
		return ErrNilSender
	}

	if queue == "" {
		return ErrQueueRequired
	}

	msg, err := s.buildMessage(payload, headers)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", queue),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.guardLocked(func() error {
		return s.publishWithRetryLocked(ctx, &span, queue, msg)
	})
	if err == nil {
		s.metrics.recordOutcome(ctx, queue, outcomeConfirmed)

		return nil
	}

	if !errors.Is(err, ErrPublishRetriesExhausted) {
		err = fmt.Errorf("rabbitmq publish to %s: %w", queue, err)
	}

	s.logger.Log(ctx, log.LevelError, "rabbitmq publish failed",
		log.String("queue", queue),
		log.String("error_detail", sanitizeAMQPErr(err, s.conn.ConnectionStringSource)))

	opentelemetry.HandleSpanError(&span, "Failed to publish to rabbitmq", err)
	s.metrics.recordOutcome(ctx, queue, outcomeFailed)

	return err
}

// guardLocked runs one whole publish, retries included, through the
// breaker, so an exhausted publish counts as a single failure.
func (s *Sender) guardLocked(publish func() error) error {
	if s.breakers == nil {
		return publish()
	}

	_, err := s.breakers.Execute(s.breakerName, func() (any, error) {
		return nil, publish()
	})

	return err
}

func (s *Sender) publishWithRetryLocked(ctx context.Context, span *trace.Span, queue string, msg amqp.Publishing) error {
	err := s.attemptLocked(ctx, queue, msg)

	for attempt := 1; err != nil && IsTransient(err) && attempt <= s.maxRetries; attempt++ {
		delay := backoff.Linear(s.backoffStart, s.backoffStep, attempt-1, s.backoffCeiling)

		s.logger.Log(ctx, log.LevelWarn, "rabbitmq publish failed, retrying",
			log.String("queue", queue),
			log.Int("attempt", attempt),
			log.Int("max_retries", s.maxRetries),
			log.Duration("delay", delay),
			log.String("error_detail", sanitizeAMQPErr(err, s.conn.ConnectionStringSource)))

		opentelemetry.HandleSpanEvent(span, "rabbitmq.publish.retry", attribute.Int("attempt", attempt))

		s.resetLocked(ctx)
		s.metrics.recordRetry(ctx, queue)

		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}

		err = s.attemptLocked(ctx, queue, msg)
	}

	if err != nil && IsTransient(err) {
		s.resetLocked(ctx)

		return fmt.Errorf("%w: queue %s after %d retries: %w", ErrPublishRetriesExhausted, queue, s.maxRetries, err)
	}

	return err
}

func (s *Sender) attemptLocked(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, confirms, err := s.channelLocked(ctx)
	if err != nil {
		return err
	}

	if err := s.declareLocked(ch, queue); err != nil {
		return err
	}

	deliveryTag := ch.GetNextPublishSeqNo()

	if err := ch.PublishWithContext(ctx, queue+exchangeSuffix, queue, false, false, msg); err != nil {
		s.dropChannelLocked(ctx)

		return fmt.Errorf("publish: %w", err)
	}

	if err := waitForConfirm(ctx, confirms, deliveryTag, s.confirmTimeout); err != nil {
		// A confirm may still arrive for this message; it must not be read
		// as the confirm of the next one.
		s.dropChannelLocked(ctx)

		return err
	}

	return nil
}

func (s *Sender) dropChannelLocked(ctx context.Context) {
	ch := s.channel

	s.channel = nil
	s.confirms = nil
	clear(s.declared)

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.logger.Log(ctx, log.LevelDebug, "closing abandoned rabbitmq channel", log.Err(err))
		}
	}
}

func (s *Sender) channelLocked(ctx context.Context) (AMQPChannel, <-chan amqp.Confirmation, error) {
	if s.channel != nil && !s.channel.IsClosed() {
		return s.channel, s.confirms, nil
	}

	// A replaced channel has forgotten everything declared on the old one.
	s.channel = nil
	s.confirms = nil
	clear(s.declared)

	ch, err := s.conn.ChannelContext(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Confirm(false); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	s.channel = ch
	s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	return s.channel, s.confirms, nil
}

func (s *Sender) declareLocked(ch AMQPChannel, queue string) error {
	if _, ok := s.declared[queue]; ok {
		return nil
	}

	exchange := queue + exchangeSuffix

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	s.declared[queue] = struct{}{}

	return nil
}

// DeclareTopology declares the exchange, queue and binding for queue
// without publishing anything.
func (s *Sender) DeclareTopology(ctx context.Context, queue string) error {
	if s == nil {
		return ErrNilSender
	}

	if queue == "" {
		return ErrQueueRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, _, err := s.channelLocked(ctx)
	if err != nil {
		return err
	}

	return s.declareLocked(ch, queue)
}

func (s *Sender) resetLocked(ctx context.Context) {
	s.channel = nil
	s.confirms = nil
	clear(s.declared)

	if err := s.conn.CloseContext(ctx); err != nil {
		s.logger.Log(ctx, log.LevelDebug, "closing failed rabbitmq connection", log.Err(err))
	}
}

// Close releases the connection and forgets the declared topology. It is
// safe to call more than once, and a later Publish reconnects.
func (s *Sender) Close(ctx context.Context) error {
	if s == nil {
		return ErrNilSender
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.channel = nil
	s.confirms = nil
	clear(s.declared)

	return s.conn.CloseContext(ctx)
}

// DeclaredQueues is the number of queues in the topology cache.
func (s *Sender) DeclaredQueues() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.declared)
}

// Connected reports whether the underlying connection is open.
func (s *Sender) Connected() bool {
	return s != nil && s.conn.IsConnected()
}

// HealthCheck reports broker health for readiness probes.
func (s *Sender) HealthCheck(ctx context.Context) bool {
	if s == nil {
		return false
	}

	ok, err := s.conn.HealthCheckContext(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelDebug, "rabbitmq health check failed", log.Err(err))
	}

	return ok
}

func (s *Sender) buildMessage(payload any, headers map[string]any) (amqp.Publishing, error) {
	merged := make(map[string]any, len(headers)+1)
	maps.Copy(merged, headers)
	merged[destinationTypeKey] = destinationTypeName

	body, err := json.Marshal(map[string]any{"body": payload, "headers": merged})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	return amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		Timestamp:       s.now().UTC(),
		Headers:         toTable(merged),
		Body:            body,
	}, nil
}

// waitForConfirm waits for the confirm of deliveryTag. Confirms for
// earlier tags belong to abandoned publishes and are skipped.
func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, deliveryTag uint64, confirmTimeout time.Duration) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	for {
		select {
		case confirmed, ok := <-confirms:
			if !ok {
				return ErrChannelClosed
			}

			if confirmed.DeliveryTag < deliveryTag {
				continue
			}

			if confirmed.DeliveryTag > deliveryTag {
				return fmt.Errorf("%w: expected delivery_tag=%d, got %d", ErrConfirmMismatch, deliveryTag, confirmed.DeliveryTag)
			}

			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}

			return nil
		case <-timeout.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		}
	}
}

// toTable converts header values into types the AMQP table encoder
// accepts. Anything else is sent as its string form.
func toTable(headers map[string]any) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = tableValue(v)
	}

	return table
}

func tableValue(v any) any {
	switch value := v.(type) {
	case nil, bool, string, []byte, int8, int16, int32, int64, float32, float64, time.Time, amqp.Decimal:
		return value
	case int:
		return int64(value)
	case uint8:
		return int16(value)
	case uint16:
		return int32(value)
	case uint32:
		return int64(value)
	case map[string]any:
		return toTable(value)
	case amqp.Table:
		return toTable(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = tableValue(item)
		}

		return out
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}

		return out
	case fmt.Stringer:
		return value.String()
	case error:
		return value.Error()
	default:
		return fmt.Sprint(value)
	}
}
