package capture

import (
	"context"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

// HistoryEventName is the event name StateMapper emits by default.
const HistoryEventName = "mapped_history"

// StateTimeLayout is how StateMapper renders time values.
const StateTimeLayout = "2006-01-02T15:04:05.000000-0700"

type stateMapperConfig struct {
	eventName string
	related   []string
	omit      []string
}

// StateMapperOption configures StateMapper.
type StateMapperOption func(*stateMapperConfig)

// WithEventName replaces the default mapped_history event name.
func WithEventName(name string) StateMapperOption {
	return func(cfg *stateMapperConfig) {
		if name != "" {
			cfg.eventName = name
		}
	}
}

// WithRelated moves the named keys from the payload into related.
func WithRelated(keys ...string) StateMapperOption {
	return func(cfg *stateMapperConfig) {
		cfg.related = append(cfg.related, keys...)
	}
}

// WithOmit drops the named keys entirely.
func WithOmit(keys ...string) StateMapperOption {
	return func(cfg *stateMapperConfig) {
		cfg.omit = append(cfg.omit, keys...)
	}
}

// StateMapper copies the scalar columns of the row state into the payload.
// UUIDs and byte slices become strings, times are formatted with
// StateTimeLayout, and nested values (maps, slices, structs) are left out.
func StateMapper(opts ...StateMapperOption) MapFunc {
	cfg := stateMapperConfig{eventName: HistoryEventName}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(_ context.Context, mutation Mutation) (Fields, bool, error) {
		payload := make(map[string]any, len(mutation.State))
		related := make(map[string]any, len(cfg.related))

		for key, value := range mutation.State {
			if slices.Contains(cfg.omit, key) {
				continue
			}

			scalar, ok := scalarValue(value)

			if slices.Contains(cfg.related, key) {
				if ok {
					related[key] = scalar
				}

				continue
			}

			if ok {
				payload[key] = scalar
			}
		}

		return Fields{EventName: cfg.eventName, Payload: payload, Related: related}, true, nil
	}
}

// IgnoreFields declines UPDATE mutations that only touch the given fields,
// such as housekeeping timestamps, and updates that change nothing. Other
// mutations go to mapFn.
func IgnoreFields(mapFn MapFunc, fields ...string) MapFunc {
	return func(ctx context.Context, mutation Mutation) (Fields, bool, error) {
		if mapFn == nil {
			return Fields{}, false, ErrMapFuncRequired
		}

		if mutation.Kind == outbox.MutationUpdate && onlyTouches(mutation.Diff, fields) {
			return Fields{}, false, nil
		}

		return mapFn(ctx, mutation)
	}
}

// onlyTouches reports whether every field that actually changed is in
// fields. A diff whose values are all unchanged touches nothing.
func onlyTouches(diff Diff, fields []string) bool {
	for name, change := range diff {
		if reflect.DeepEqual(change.Old, change.New) {
			continue
		}

		if !slices.Contains(fields, name) {
			return false
		}
	}

	return true
}

func scalarValue(value any) (any, bool) {
	switch typed := value.(type) {
	case nil:
		return nil, true
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return typed, true
	case uuid.UUID:
		return typed.String(), true
	case time.Time:
		return typed.Format(StateTimeLayout), true
	case []byte:
		return string(typed), true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true
		}

		return scalarValue(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return nil, false
	}
}
