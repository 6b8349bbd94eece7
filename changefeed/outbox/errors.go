package outbox

import "errors"

var (
	ErrInvalidRecord        = errors.New("invalid event record")
	ErrEventNameRequired    = errors.New("event name is required")
	ErrEntityRequired       = errors.New("entity name is required")
	ErrInvalidMutationKind  = errors.New("invalid mutation kind")
	ErrPublisherRequired    = errors.New("outbox publisher is required")
	ErrDispatcherRequired   = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning    = errors.New("outbox dispatcher is already running")
	ErrPublisherPanicked    = errors.New("outbox publisher panicked")
	ErrBacklogNotDrained    = errors.New("outbox backlog not drained")
	ErrUnsupportedActorJSON = errors.New("actor id must be a JSON number, string or null")
)
