// run.go defines the per-run context shared by every pipeline and the
// summary types the controller aggregates.

package tg

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// snapshotIDLayout formats a run timestamp into the compact form used for
// snapshot ids and append-log paths.
const snapshotIDLayout = "20060102T150405Z"

// RunContext identifies one synchronization run. The Timestamp (and the
// SnapshotID derived from it) is generated once at run start and shared
// by every pipeline so records collected in the same run can be
// correlated downstream. Read-only after creation.
type RunContext struct {
	RunID      string
	Timestamp  time.Time
	SnapshotID string

	// Since is the previous run's timestamp, if the caller provided one.
	// Windowed event collectors use it to bound incremental collection;
	// full-snapshot pipelines ignore it.
	Since *time.Time
}

// NewRunContext creates the shared context for one run.
func NewRunContext(since *time.Time) RunContext {
	now := time.Now().UTC()
	return RunContext{
		RunID:      uuid.New().String(),
		Timestamp:  now,
		SnapshotID: now.Format(snapshotIDLayout),
		Since:      since,
	}
}

// LogKey returns the append-log sink key for one logical pipeline name
// within this run: {snapshot}/{snapshot}-{name}.jsonl.
func (r RunContext) LogKey(name string) string {
	return r.SnapshotID + "/" + r.SnapshotID + "-" + name + ".jsonl"
}

// SyncCounts aggregates one entity type's classification and write
// volume for a run.
type SyncCounts struct {
	New       int `json:"new" bson:"new"`
	Modified  int `json:"modified" bson:"modified"`
	Deleted   int `json:"deleted" bson:"deleted"`
	Unchanged int `json:"unchanged" bson:"unchanged"`
	Errors    int `json:"errors" bson:"errors"`
	Writes    int `json:"writes" bson:"writes"`
}

func (c *SyncCounts) add(other SyncCounts) {
	c.New += other.New
	c.Modified += other.Modified
	c.Deleted += other.Deleted
	c.Unchanged += other.Unchanged
	c.Errors += other.Errors
	c.Writes += other.Writes
}

// PipelineResult is one pipeline's outcome within a run summary.
type PipelineResult struct {
	Name       string      `json:"name" bson:"name"`
	EntityType string      `json:"entityType" bson:"entity_type"`
	Critical   bool        `json:"critical" bson:"critical"`
	Success    bool        `json:"success" bson:"success"`
	Error      string      `json:"error,omitempty" bson:"error,omitempty"`
	Collected  int         `json:"collected" bson:"collected"`
	Synced     bool        `json:"synced" bson:"synced"`
	Counts     *SyncCounts `json:"counts,omitempty" bson:"counts,omitempty"`
}

// RunSummary is the structured result of one run, persisted for the
// monitoring/reporting surface.
type RunSummary struct {
	RunID      string           `json:"runId" bson:"_id"`
	SnapshotID string           `json:"snapshotId" bson:"snapshot_id"`
	StartedAt  time.Time        `json:"startedAt" bson:"started_at"`
	FinishedAt time.Time        `json:"finishedAt" bson:"finished_at"`
	Success    bool             `json:"success" bson:"success"`
	Pipelines  []PipelineResult `json:"pipelines" bson:"pipelines"`
	Totals     SyncCounts       `json:"totals" bson:"totals"`
}

// Pipeline returns the named pipeline result, or nil.
func (s *RunSummary) Pipeline(name string) *PipelineResult {
	for i := range s.Pipelines {
		if s.Pipelines[i].Name == name {
			return &s.Pipelines[i]
		}
	}
	return nil
}

// RunStore persists run summaries.
type RunStore interface {
	SaveSummary(ctx context.Context, summary *RunSummary) error
	SummaryByID(ctx context.Context, runID string) (*RunSummary, error)
	LatestSummary(ctx context.Context) (*RunSummary, error)
}
