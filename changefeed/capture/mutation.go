package capture

import (
	"reflect"
	"sort"
	"strings"

	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

// Change is the before and after value of one attribute.
type Change struct {
	Old any
	New any
}

// Diff maps attribute names to their change in an UPDATE.
type Diff map[string]Change

// ChangedFields returns the sorted, comma-joined names of attributes whose
// value actually differs.
func (d Diff) ChangedFields() string {
	if len(d) == 0 {
		return ""
	}

	names := make([]string, 0, len(d))

	for name, change := range d {
		if reflect.DeepEqual(change.Old, change.New) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return strings.Join(names, ",")
}

// Mutation is one row-level change reported by the storage layer before
// commit. State is the post-mutation row, or the deleted row for deletes.
type Mutation struct {
	Entity string
	Kind   outbox.MutationKind
	State  map[string]any
	Diff   Diff
}

// Fields are what a MapFunc extracts from a mutation.
type Fields struct {
	// EventName overrides the derived "<entity>_<kind>" name when set.
	EventName string
	Payload   map[string]any
	Related   map[string]any
}

func defaultEventName(entity string, kind outbox.MutationKind) string {
	return entity + "_" + string(kind)
}
