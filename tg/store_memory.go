// store_memory.go provides in-memory implementations of the store,
// ledger and run-summary ports for single-process use and tests.

package tg

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEntityStore implements EntityStore over a per-type map.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]map[string]Entity
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]map[string]Entity)}
}

func (s *MemoryEntityStore) LoadExisting(ctx context.Context, entityType string) (map[string]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entity)
	for id, e := range s.entities[entityType] {
		if e.Deleted {
			continue
		}
		out[id] = e
	}
	return out, nil
}

func (s *MemoryEntityStore) GetEntity(ctx context.Context, entityType, id string) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityType][id]
	if !ok {
		return nil, nil
	}
	copied := e
	return &copied, nil
}

func (s *MemoryEntityStore) UpsertEntities(ctx context.Context, entityType string, entities []Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.entities[entityType]
	if !ok {
		part = make(map[string]Entity)
		s.entities[entityType] = part
	}
	for _, e := range entities {
		part[e.ID] = e
	}
	return nil
}

func (s *MemoryEntityStore) MarkDeleted(ctx context.Context, entityType string, ids []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.entities[entityType]
	for _, id := range ids {
		e, ok := part[id]
		if !ok {
			continue
		}
		e.Deleted = true
		when := at
		e.DeletedAt = &when
		part[id] = e
	}
	return nil
}

// MemoryChangeLedger implements ChangeLedger over an append-only slice.
type MemoryChangeLedger struct {
	mu      sync.Mutex
	records []ChangeRecord
	seen    map[string]struct{}
}

// NewMemoryChangeLedger creates an empty in-memory ledger.
func NewMemoryChangeLedger() *MemoryChangeLedger {
	return &MemoryChangeLedger{seen: make(map[string]struct{})}
}

func (l *MemoryChangeLedger) Append(ctx context.Context, records []ChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		// Re-appends after a partially failed sync step carry the same
		// change ids; duplicates are dropped, matching the durable
		// ledger's duplicate-key behavior.
		if _, ok := l.seen[r.ChangeID]; ok {
			continue
		}
		l.seen[r.ChangeID] = struct{}{}
		l.records = append(l.records, r)
	}
	return nil
}

func (l *MemoryChangeLedger) ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ChangeRecord, 0)
	for _, r := range l.records {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChangedAt.After(out[j].ChangedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryChangeLedger) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ChangeRecord, 0)
	for _, r := range l.records {
		if r.ChangedAt.Before(from) || !r.ChangedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChangedAt.Before(out[j].ChangedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a copy of every ledger record, oldest first. Test helper.
func (l *MemoryChangeLedger) All() []ChangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChangeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// MemoryRunStore implements RunStore in memory.
type MemoryRunStore struct {
	mu        sync.Mutex
	summaries []RunSummary
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{}
}

func (s *MemoryRunStore) SaveSummary(ctx context.Context, summary *RunSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.summaries {
		if s.summaries[i].RunID == summary.RunID {
			s.summaries[i] = *summary
			return nil
		}
	}
	s.summaries = append(s.summaries, *summary)
	return nil
}

func (s *MemoryRunStore) SummaryByID(ctx context.Context, runID string) (*RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.summaries {
		if s.summaries[i].RunID == runID {
			copied := s.summaries[i]
			return &copied, nil
		}
	}
	return nil, ErrRunSummaryNotFound
}

func (s *MemoryRunStore) LatestSummary(ctx context.Context) (*RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.summaries) == 0 {
		return nil, ErrRunSummaryNotFound
	}
	latest := s.summaries[0]
	for _, summary := range s.summaries[1:] {
		if summary.StartedAt.After(latest.StartedAt) {
			latest = summary
		}
	}
	copied := latest
	return &copied, nil
}
