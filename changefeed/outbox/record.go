package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventDateLayout is the wire format of event_date.
const EventDateLayout = "2006-01-02T15:04:05.000000Z"

// MutationKind is the kind of change a record describes.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Valid reports whether k is one of the three known kinds.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	default:
		return false
	}
}

func (k MutationKind) String() string { return string(k) }

// ParseMutationKind accepts the kind names case-insensitively.
func ParseMutationKind(value string) (MutationKind, error) {
	kind := MutationKind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMutationKind, value)
	}

	return kind, nil
}

type actorKind uint8

const (
	actorNone actorKind = iota
	actorInt
	actorExternal
)

// ActorID identifies the principal behind a mutation: a numeric user id, an
// external identifier, or nobody for system-initiated changes.
type ActorID struct {
	kind     actorKind
	id       int64
	external string
}

// NoActor is the absent actor.
func NoActor() ActorID { return ActorID{} }

// ActorFromInt builds a numeric actor.
func ActorFromInt(id int64) ActorID { return ActorID{kind: actorInt, id: id} }

// ActorFromExternal builds an actor from an external id. An empty id is the
// absent actor.
func ActorFromExternal(id string) ActorID {
	if id == "" {
		return NoActor()
	}

	return ActorID{kind: actorExternal, external: id}
}

// IsZero reports whether the actor is absent.
func (a ActorID) IsZero() bool { return a.kind == actorNone }

// Value returns int64, string or nil.
func (a ActorID) Value() any {
	switch a.kind {
	case actorInt:
		return a.id
	case actorExternal:
		return a.external
	default:
		return nil
	}
}

func (a ActorID) String() string {
	switch a.kind {
	case actorInt:
		return strconv.FormatInt(a.id, 10)
	case actorExternal:
		return a.external
	default:
		return ""
	}
}

// MarshalJSON encodes the actor as a number, a string or null.
func (a ActorID) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value())
}

// UnmarshalJSON accepts a number, a string or null.
func (a *ActorID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*a = NoActor()
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}

		*a = ActorFromExternal(s)
	default:
		n, err := strconv.ParseInt(string(trimmed), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedActorJSON, trimmed)
		}

		*a = ActorFromInt(n)
	}

	return nil
}

// RecordFields are the construction inputs of an EventRecord.
type RecordFields struct {
	EventName     string
	Actor         ActorID
	Channel       string
	Kind          MutationKind
	Entity        string
	ChangedFields string
	Payload       map[string]any
	Related       map[string]any
	// CapturedAt defaults to time.Now when zero.
	CapturedAt time.Time
}

// EventRecord describes one captured mutation. Everything except the sent
// flag is fixed at construction; maps are copied in and copied out.
type EventRecord struct {
	id            uuid.UUID
	eventName     string
	actor         ActorID
	channel       string
	kind          MutationKind
	entity        string
	changedFields string
	payload       map[string]any
	related       map[string]any
	capturedAt    time.Time

	sent     atomic.Bool
	attempts atomic.Int64
}

// NewEventRecord validates fields and returns a record with a fresh id.
// Either a complete record or an error is returned, never a partial record.
func NewEventRecord(fields RecordFields) (*EventRecord, error) {
	if strings.TrimSpace(fields.EventName) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, ErrEventNameRequired)
	}

	if strings.TrimSpace(fields.Entity) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, ErrEntityRequired)
	}

	if !fields.Kind.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidRecord, ErrInvalidMutationKind, fields.Kind)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: generate id: %w", ErrInvalidRecord, err)
	}

	capturedAt := fields.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	changed := fields.ChangedFields
	if fields.Kind != MutationUpdate {
		changed = ""
	}

	return &EventRecord{
		id:            id,
		eventName:     fields.EventName,
		actor:         fields.Actor,
		channel:       fields.Channel,
		kind:          fields.Kind,
		entity:        fields.Entity,
		changedFields: changed,
		payload:       cloneMap(fields.Payload),
		related:       cloneMap(fields.Related),
		capturedAt:    capturedAt.UTC(),
	}, nil
}

// ID is the record's unique identifier, assigned at capture.
func (r *EventRecord) ID() uuid.UUID { return r.id }

// EventName is the routing discriminator consumers switch on.
func (r *EventRecord) EventName() string { return r.eventName }

// Actor is the user the change is attributed to.
func (r *EventRecord) Actor() ActorID { return r.actor }

// Channel is the originating client channel, empty when unknown.
func (r *EventRecord) Channel() string { return r.channel }

// Kind is the mutation that produced the record.
func (r *EventRecord) Kind() MutationKind { return r.kind }

// Entity is the watched entity name the mutation touched.
func (r *EventRecord) Entity() string { return r.entity }

// ChangedFields is the rendered summary of the changed fields.
func (r *EventRecord) ChangedFields() string { return r.changedFields }

// CapturedAt is the UTC capture time.
func (r *EventRecord) CapturedAt() time.Time { return r.capturedAt }

// Payload returns a copy of the event-specific fields.
func (r *EventRecord) Payload() map[string]any { return cloneMap(r.payload) }

// Related returns a copy of the related-entity fields.
func (r *EventRecord) Related() map[string]any { return cloneMap(r.related) }

// Sent reports whether the broker confirmed the record.
func (r *EventRecord) Sent() bool { return r.sent.Load() }

// MarkSent flags the record as delivered. It never flips back.
func (r *EventRecord) MarkSent() { r.sent.Store(true) }

// Attempts is the number of failed dispatch attempts so far.
func (r *EventRecord) Attempts() int64 { return r.attempts.Load() }

func (r *EventRecord) recordFailure() int64 { return r.attempts.Add(1) }

// WirePayload is the body handed to the publisher. event_name is not part
// of it; it travels separately as the routing discriminator. change and
// changed_fields carry the same text; older consumers read change.
func (r *EventRecord) WirePayload() map[string]any {
	payload := r.Payload()
	if payload == nil {
		payload = map[string]any{}
	}

	related := r.Related()
	if related == nil {
		related = map[string]any{}
	}

	return map[string]any{
		"user_id":        r.actor.Value(),
		"channel_slug":   r.channel,
		"event":          string(r.kind),
		"event_date":     r.capturedAt.Format(EventDateLayout),
		"table":          r.entity,
		"change":         r.changedFields,
		"changed_fields": r.changedFields,
		"payload":        payload,
		"related":        related,
	}
}

func (r *EventRecord) String() string {
	return fmt.Sprintf("EventRecord(id=%s, event=%s, table=%s, kind=%s, actor=%s)",
		r.id, r.eventName, r.entity, r.kind, r.actor)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := maps.Clone(src)
	for k, v := range dst {
		dst[k] = cloneValue(v)
	}

	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}

		return out
	default:
		return v
	}
}
