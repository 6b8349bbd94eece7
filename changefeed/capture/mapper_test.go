//go:build unit

package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

type cardStatus string

func TestStateMapper_ConvertsScalars(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("0b7e3b8c-2f7e-4c55-9b35-8c1d3a3f1e11")
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	name := "Iceland"

	mapFn := StateMapper(WithRelated("user_id", "scheme_id"), WithOmit("password"))

	fields, ok, err := mapFn(context.Background(), Mutation{
		Entity: "scheme_account",
		Kind:   outbox.MutationCreate,
		State: map[string]any{
			"id":         7,
			"uuid":       id,
			"created":    created,
			"token":      []byte("abc"),
			"name":       &name,
			"status":     cardStatus("active"),
			"deleted_at": (*time.Time)(nil),
			"user_id":    3,
			"scheme_id":  nil,
			"password":   "secret",
			"nested":     map[string]any{"a": 1},
			"list":       []int{1, 2},
		},
	})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, HistoryEventName, fields.EventName)
	assert.Equal(t, map[string]any{
		"id":         7,
		"uuid":       id.String(),
		"created":    "2024-05-06T07:08:09.123456+0000",
		"token":      "abc",
		"name":       "Iceland",
		"status":     "active",
		"deleted_at": nil,
	}, fields.Payload)
	assert.Equal(t, map[string]any{"user_id": 3, "scheme_id": nil}, fields.Related)
}

func TestStateMapper_EventNameOverride(t *testing.T) {
	t.Parallel()

	fields, ok, err := StateMapper(WithEventName("user_changed"))(context.Background(), Mutation{
		Entity: "user",
		Kind:   outbox.MutationDelete,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user_changed", fields.EventName)
	assert.Empty(t, fields.Payload)
}

func TestIgnoreFields(t *testing.T) {
	t.Parallel()

	mapFn := IgnoreFields(StateMapper(), "updated", "last_login")

	tests := []struct {
		name     string
		mutation Mutation
		wantKeep bool
	}{
		{
			name: "housekeeping only",
			mutation: Mutation{Entity: "user", Kind: outbox.MutationUpdate, Diff: Diff{
				"updated": {Old: 1, New: 2},
			}},
			wantKeep: false,
		},
		{
			name: "real change",
			mutation: Mutation{Entity: "user", Kind: outbox.MutationUpdate, Diff: Diff{
				"updated": {Old: 1, New: 2},
				"email":   {Old: "a", New: "b"},
			}},
			wantKeep: true,
		},
		{
			name:     "no change at all",
			mutation: Mutation{Entity: "user", Kind: outbox.MutationUpdate},
			wantKeep: false,
		},
		{
			name: "columns listed with identical values",
			mutation: Mutation{Entity: "user", Kind: outbox.MutationUpdate, Diff: Diff{
				"email": {Old: "a", New: "a"},
				"name":  {Old: "n", New: "n"},
			}},
			wantKeep: false,
		},
		{
			name:     "create is never ignored",
			mutation: Mutation{Entity: "user", Kind: outbox.MutationCreate},
			wantKeep: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, keep, err := mapFn(context.Background(), tt.mutation)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKeep, keep)
		})
	}

	_, _, err := IgnoreFields(nil)(context.Background(), Mutation{})
	require.True(t, errors.Is(err, ErrMapFuncRequired))
}
