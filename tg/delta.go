// delta.go is the delta synchronization engine: it turns a freshly
// collected snapshot of one entity type plus the previously persisted
// state into the minimal write-set and one ChangeRecord per change.
//
// Classification per id:
//
//   - in current, not in existing            → New (full entity recorded)
//   - in both, some compare field differs    → Modified (per-field deltas)
//   - in both, no compare field differs      → Unchanged (no write)
//   - in existing, not in current            → Deleted (when the policy
//     tracks deletes; full last-known entity recorded)
//
// The engine is deterministic and idempotent: ids are processed in sorted
// order, deltas are keyed by field name, and re-running against the same
// input maps yields the same classification and the same field deltas.
// A failed write after classification can therefore be retried safely.
//
// Comparison semantics:
//
//   - Scalar fields compare by canonical value equality. Absent fields,
//     explicit nulls, empty strings and empty collections are all equal
//     to each other, so a unified multi-subtype container whose records
//     omit fields meaningless for their subtype produces no churn.
//   - Array fields compare order-insensitively: elements are sorted into
//     a canonical order first, so collector enumeration order is
//     irrelevant while membership and count still matter.
//   - Embedded object fields compare structurally, key order ignored.
//
// Only fields named in the policy's CompareFields participate; anything
// else (server-assigned bookkeeping fields) never triggers Modified.

package tg

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// DeltaResult is the outcome of classifying one entity type for one run:
// the counts, the write-set, and the ledger entries.
type DeltaResult struct {
	Counts        SyncCounts
	Upserts       []Entity
	SoftDeleteIDs []string
	Changes       []ChangeRecord
}

// ComputeDelta classifies every id across the current and existing maps
// under the given policy. It never mutates its inputs. The existing map
// may be empty (first run for the type); the caller is responsible for
// never passing a failed collection in as an empty current map.
func ComputeDelta(run RunContext, policy ComparisonPolicy, current, existing map[string]Entity) (*DeltaResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	result := &DeltaResult{}
	// Change timestamps come from the run context, not the wall clock, so
	// re-running over the same inputs yields byte-identical records.
	at := run.Timestamp

	currentIDs := sortedKeys(current)
	for _, id := range currentIDs {
		entity := current[id]
		if entity.ID == "" || (entity.Type != "" && entity.Type != policy.EntityType) {
			result.Counts.Errors++
			continue
		}

		old, seen := existing[id]
		if !seen {
			result.Counts.New++
			snapshot := entity
			result.Changes = append(result.Changes, newChangeRecord(run, policy.EntityType, id, ChangeNew, at, nil, &snapshot))
			result.Upserts = append(result.Upserts, entity)
			continue
		}

		delta := compareEntities(policy, old, entity)
		if len(delta) == 0 {
			result.Counts.Unchanged++
			continue
		}

		result.Counts.Modified++
		result.Changes = append(result.Changes, newChangeRecord(run, policy.EntityType, id, ChangeModified, at, delta, nil))
		result.Upserts = append(result.Upserts, entity)
	}

	if policy.TrackDeletes {
		existingIDs := sortedKeys(existing)
		for _, id := range existingIDs {
			if _, ok := current[id]; ok {
				continue
			}
			last := existing[id]
			result.Counts.Deleted++
			snapshot := last
			result.Changes = append(result.Changes, newChangeRecord(run, policy.EntityType, id, ChangeDeleted, at, nil, &snapshot))
			if policy.SoftDelete {
				result.SoftDeleteIDs = append(result.SoftDeleteIDs, id)
			}
		}
	}

	result.Counts.Writes = len(result.Upserts) + len(result.SoftDeleteIDs)
	return result, nil
}

// newChangeRecord builds a ledger entry. The change id is derived from
// (run, type, id), so retrying a failed write after classification
// re-emits the same id and the ledger's duplicate handling keeps the
// append idempotent. One entity can only change once per run, so the id
// is still unique within the ledger.
func newChangeRecord(run RunContext, entityType, entityID string, change ChangeType, at time.Time, delta map[string]FieldDelta, snapshot *Entity) ChangeRecord {
	return ChangeRecord{
		ChangeID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(run.RunID+"/"+entityType+"/"+entityID)).String(),
		EntityID:      entityID,
		EntityType:    entityType,
		Change:        change,
		SnapshotID:    run.SnapshotID,
		ChangedAt:     at,
		DatePartition: at.Format("2006-01-02"),
		Delta:         delta,
		Entity:        snapshot,
	}
}

// compareEntities returns the per-field deltas between the existing and
// current record, restricted to the policy's compare fields. An empty map
// means Unchanged.
func compareEntities(policy ComparisonPolicy, existing, current Entity) map[string]FieldDelta {
	var delta map[string]FieldDelta
	for _, name := range policy.CompareFields {
		oldVal := canonicalValue(existing.Field(name))
		newVal := canonicalValue(current.Field(name))

		if policy.isArrayField(name) {
			oldVal = sortCanonicalArray(oldVal)
			newVal = sortCanonicalArray(newVal)
		}

		if valuesEqual(oldVal, newVal) {
			continue
		}
		if delta == nil {
			delta = make(map[string]FieldDelta)
		}
		delta[name] = FieldDelta{Old: oldVal, New: newVal}
	}
	return delta
}

// valuesEqual reports canonical equality, treating every absent-like
// value (nil, empty string, empty collection) as equal to every other.
// Embedded objects fall out of reflect.DeepEqual on canonical maps, where
// key order does not exist.
func valuesEqual(a, b any) bool {
	if isAbsent(a) && isAbsent(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// canonicalValue normalizes a decoded field value into a representation
// that is identical whether the record came through the JSON append log
// or out of the BSON store: numbers widen to float64, BSON documents and
// arrays become plain maps and slices, timestamps become RFC 3339 strings.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bson.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case bson.A:
		return canonicalSlice(t)
	case []any:
		return canonicalSlice(t)
	case bson.D:
		out := make(map[string]any, len(t))
		for _, elem := range t {
			out[elem.Key] = canonicalValue(elem.Value)
		}
		return out
	case bson.M:
		return canonicalMap(t)
	case map[string]any:
		return canonicalMap(t)
	}
	return v
}

func canonicalSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = canonicalValue(v)
	}
	return out
}

func canonicalMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = canonicalValue(v)
	}
	return out
}

// sortCanonicalArray orders the elements of a canonical []any by their
// JSON encoding, making comparison insensitive to enumeration order.
// Non-slice values pass through untouched.
func sortCanonicalArray(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	type keyed struct {
		key  string
		elem any
	}
	items := make([]keyed, len(arr))
	for i, elem := range arr {
		encoded, err := json.Marshal(elem)
		if err != nil {
			items[i] = keyed{key: fmt.Sprintf("%v", elem), elem: elem}
			continue
		}
		items[i] = keyed{key: string(encoded), elem: elem}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })
	sorted := make([]any, len(arr))
	for i, item := range items {
		sorted[i] = item.elem
	}
	return sorted
}

func sortedKeys(m map[string]Entity) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
