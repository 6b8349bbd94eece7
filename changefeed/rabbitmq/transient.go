package rabbitmq

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/piukhq/angelia-sub001/changefeed/circuitbreaker"
)

// IsTransient reports whether err is a transport failure that a fresh
// connection may fix. Serialization errors, context cancellation and an
// open circuit breaker are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrQueueRequired),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrConfirmTimeout),
		errors.Is(err, ErrConfirmMismatch),
		errors.Is(err, ErrPublishNacked),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrBrokerUnhealthy),
		errors.Is(err, amqp.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return isTransientAMQPError(amqpErr)
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// Soft channel errors such as 404 or 406 point at a topology mismatch and
// will fail again on a new channel.
func isTransientAMQPError(err *amqp.Error) bool {
	if !err.Server {
		return true
	}

	switch err.Code {
	case amqp.ConnectionForced,
		amqp.FrameError,
		amqp.ChannelError,
		amqp.UnexpectedFrame,
		amqp.ResourceError,
		amqp.InternalError:
		return true
	}

	return false
}

// IsNonRetryable reports whether the dispatcher should drop a record
// instead of keeping it for the next cycle.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrQueueRequired)
}
