// store.go defines the persisted-state ports. Each entity type owns a
// disjoint partition of the store; within one run a single pipeline is
// the only writer for its partition, so the ports carry no locking
// discipline of their own.

package tg

import (
	"context"
	"time"
)

// EntityReader is the store read port: point lookups by id and bulk scan
// of one type's partition.
type EntityReader interface {
	// LoadExisting returns the persisted, non-soft-deleted entities of
	// one type keyed by id. An empty map means first run for the type.
	LoadExisting(ctx context.Context, entityType string) (map[string]Entity, error)

	// GetEntity returns one persisted entity (soft-deleted included),
	// or nil when absent.
	GetEntity(ctx context.Context, entityType, id string) (*Entity, error)
}

// EntityWriter is the store write port. UpsertEntities must be
// idempotent upsert-by-id; MarkDeleted flags records deleted=true with a
// deletion timestamp and never removes them.
type EntityWriter interface {
	UpsertEntities(ctx context.Context, entityType string, entities []Entity) error
	MarkDeleted(ctx context.Context, entityType string, ids []string, at time.Time) error
}

// EntityStore combines both ports.
type EntityStore interface {
	EntityReader
	EntityWriter
}
