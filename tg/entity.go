// entity.go defines the Entity record that flows through collection, the
// append log, the delta engine, and the persisted store.
//
// An Entity is an open document: a stable id, a type discriminator, and a
// bag of collector-provided fields. The id is the sole diffing key and
// never changes across the entity's lifetime. Which fields participate in
// change detection is decided per type by a ComparisonPolicy, not by the
// Entity itself.

package tg

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entity is one collected record of a discriminated type.
type Entity struct {
	ID          string         `json:"id" bson:"_id"`
	Type        string         `json:"entityType" bson:"entity_type"`
	Fields      map[string]any `json:"fields" bson:"fields"`
	CollectedAt time.Time      `json:"collectionTimestamp" bson:"collected_at"`

	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty" bson:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty" bson:"effective_to,omitempty"`

	// Soft-delete markers. Set by the store writer only; collectors never
	// produce deleted entities.
	Deleted   bool       `json:"deleted,omitempty" bson:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" bson:"deleted_at,omitempty"`
}

// Field returns the named collector field, or nil if absent. Value
// receiver so lookups work directly on map-indexed entities.
func (e Entity) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// reserved keys in the flat append-log line form. Everything else on a
// line is treated as a collector field.
const (
	logKeyID          = "id"
	logKeyType        = "entityType"
	logKeyCollectedAt = "collectionTimestamp"
)

// AppendLogLine renders the entity as one self-describing JSON line:
// collector fields at the top level plus the reserved id, entityType and
// collectionTimestamp keys. The returned bytes do not include a trailing
// newline.
func (e *Entity) AppendLogLine() ([]byte, error) {
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("entity has empty id")
	}
	if strings.TrimSpace(e.Type) == "" {
		return nil, fmt.Errorf("entity %s has empty type", e.ID)
	}

	flat := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat[logKeyID] = e.ID
	flat[logKeyType] = e.Type
	flat[logKeyCollectedAt] = e.CollectedAt.UTC().Format(time.RFC3339Nano)

	return json.Marshal(flat)
}

// ParseAppendLogLine decodes one append-log line back into an Entity.
// Reserved keys are lifted out; the remainder becomes Fields.
func ParseAppendLogLine(line []byte) (*Entity, error) {
	var flat map[string]any
	if err := json.Unmarshal(line, &flat); err != nil {
		return nil, fmt.Errorf("parse log line: %w", err)
	}

	id, _ := flat[logKeyID].(string)
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("log line has no id")
	}
	typ, _ := flat[logKeyType].(string)
	if strings.TrimSpace(typ) == "" {
		return nil, fmt.Errorf("log line %s has no entity type", id)
	}

	var collectedAt time.Time
	if raw, ok := flat[logKeyCollectedAt].(string); ok && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("log line %s: bad collection timestamp: %w", id, err)
		}
		collectedAt = ts
	}

	fields := make(map[string]any, len(flat))
	for k, v := range flat {
		switch k {
		case logKeyID, logKeyType, logKeyCollectedAt:
			continue
		}
		fields[k] = v
	}

	return &Entity{
		ID:          id,
		Type:        typ,
		Fields:      fields,
		CollectedAt: collectedAt,
	}, nil
}
