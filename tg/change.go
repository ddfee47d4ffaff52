// change.go defines the immutable ChangeRecord emitted by the delta
// engine and the ChangeLedger port it is appended to.
//
// A ChangeRecord is a permanent audit fact: created exactly once, never
// mutated, never expired. The ledger must stay queryable by entity and by
// time range indefinitely.

package tg

import (
	"context"
	"time"
)

// ChangeType classifies one entity's transition between two snapshots.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FieldDelta carries the old and new value of one modified field.
type FieldDelta struct {
	Old any `json:"old" bson:"old"`
	New any `json:"new" bson:"new"`
}

// ChangeRecord is one immutable classified change.
//
// For Modified changes Delta holds only the differing fields; for New and
// Deleted changes Entity holds the full snapshot (the new entity and the
// last-known entity respectively).
type ChangeRecord struct {
	ChangeID   string     `json:"changeId" bson:"_id"`
	EntityID   string     `json:"entityId" bson:"entity_id"`
	EntityType string     `json:"entityType" bson:"entity_type"`
	Change     ChangeType `json:"changeType" bson:"change_type"`

	// SnapshotID is the shared run timestamp, identical across every
	// entity type synchronized in the same run.
	SnapshotID string    `json:"snapshotId" bson:"snapshot_id"`
	ChangedAt  time.Time `json:"changeTimestamp" bson:"changed_at"`

	// DatePartition is the UTC date (YYYY-MM-DD) of ChangedAt, the
	// time-partitioned dimension ledger queries group on.
	DatePartition string `json:"datePartition" bson:"date_partition"`

	Delta  map[string]FieldDelta `json:"delta,omitempty" bson:"delta,omitempty"`
	Entity *Entity               `json:"entity,omitempty" bson:"entity,omitempty"`
}

// ChangeLedger is the append-only sink for ChangeRecords.
//
// Append is a durable, one-shot write: records are never updated or
// deleted afterwards. Query methods serve the audit surface.
type ChangeLedger interface {
	Append(ctx context.Context, records []ChangeRecord) error
	ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]ChangeRecord, error)
	ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error)
}
