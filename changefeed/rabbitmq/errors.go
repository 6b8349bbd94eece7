package rabbitmq

import "errors"

var (
	ErrNilConnection           = errors.New("rabbitmq connection is nil")
	ErrNilSender               = errors.New("rabbitmq sender is nil")
	ErrQueueRequired           = errors.New("rabbitmq destination queue is required")
	ErrMalformedPayload        = errors.New("rabbitmq payload cannot be serialized")
	ErrPublishRetriesExhausted = errors.New("rabbitmq publish retries exhausted")
	ErrPublishNacked           = errors.New("message was nacked by broker")
	ErrConfirmTimeout          = errors.New("confirmation timed out")
	ErrConfirmMismatch         = errors.New("confirmation for an unexpected delivery tag")
	ErrChannelClosed           = errors.New("rabbitmq channel closed")
	ErrConfirmModeUnavailable  = errors.New("channel does not support confirm mode")
	ErrNotConnected            = errors.New("rabbitmq is not connected")
	ErrBrokerUnhealthy         = errors.New("rabbitmq health check failed")
)
