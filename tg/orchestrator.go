// orchestrator.go is the fan-out/join controller for one synchronization
// run.
//
// Phases:
//
//	Start         → one shared RunContext (timestamp + snapshot id) for
//	                every pipeline, so records from unrelated pipelines
//	                collected in the same run stay correlatable.
//	Collecting    → all collector pipelines launched concurrently; each
//	                owns its append-log key and is failure-isolated.
//	Awaiting      → join all collector outcomes. A failed critical
//	                pipeline aborts the run; failed non-critical
//	                pipelines only degrade the summary.
//	Synchronizing → per entity type, strictly sequential: snapshot pair →
//	                delta engine → store writes → ledger append. A failed
//	                collection never reaches the engine — an empty
//	                current map would misclassify every existing entity
//	                as Deleted.
//	Deriving      → secondary passes that compute derived entities from
//	                already-synchronized store data; always non-critical.
//	Done/Failed   → aggregate summary persisted to the run store.
//
// Append logs are never deleted, including for failed synchronizations,
// so any run can be replayed out-of-band.

package tg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Collector is the upstream port for one pipeline. Implementations fetch
// from their source API and stream entities into the append-log writer
// via Append/FlushIfThreshold; the controller finalizes the log.
type Collector interface {
	Name() string
	EntityType() string
	Collect(ctx context.Context, run RunContext, out *AppendLogWriter) error
}

// Pipeline binds one collector to its comparison policy and its
// orchestration criticality.
type Pipeline struct {
	Collector Collector
	Policy    ComparisonPolicy
	Critical  bool
}

// Deriver computes additional entities purely from already-synchronized
// store data, e.g. capability edges inferred from role data.
type Deriver interface {
	Name() string
	EntityType() string
	Derive(ctx context.Context, run RunContext, store EntityReader) ([]Entity, error)
}

// DerivedPipeline binds a deriver to the comparison policy of its output
// type. Derived pipelines are always non-critical.
type DerivedPipeline struct {
	Deriver Deriver
	Policy  ComparisonPolicy
}

// Controller schedules one tenant's collector pipelines and their
// synchronizations.
type Controller struct {
	TenantID string

	Blob   BlobStore
	Store  EntityStore
	Ledger ChangeLedger
	Runs   RunStore

	Pipelines []Pipeline
	Derived   []DerivedPipeline

	// LeaseManager, when set, serializes runs per tenant.
	LeaseManager RunLeaseManager
	LeaseTTL     time.Duration

	// FlushThreshold is the append-log flush threshold in bytes; zero
	// means the writer default.
	FlushThreshold int

	// SyncAttempts/SyncRetryDelay bound the fixed-delay retry of each
	// per-type synchronization step.
	SyncAttempts   int
	SyncRetryDelay time.Duration

	Metrics SyncMetrics
}

type collectOutcome struct {
	result PipelineResult
	logKey string
	policy ComparisonPolicy
}

// Run executes one full synchronization run. since, when non-nil, is the
// previous run's timestamp for windowed collectors. The returned summary
// is also persisted to the run store; a non-nil summary accompanies most
// errors so callers can report partial outcomes.
func (c *Controller) Run(ctx context.Context, since *time.Time) (*RunSummary, error) {
	if c.LeaseManager != nil {
		lease, err := acquireRunLease(ctx, c.LeaseManager, c.TenantID, c.LeaseTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := c.LeaseManager.Release(context.Background(), lease); err != nil {
				slog.Default().WarnContext(ctx, "run lease release failed", "tenant_id", c.TenantID, "reason", "lease_release_failed", "error", err)
			}
		}()
	}

	run := NewRunContext(since)
	logger := slog.Default()
	logger.InfoContext(ctx, "starting synchronization run", "run_id", run.RunID, "snapshot_id", run.SnapshotID, "pipelines", len(c.Pipelines))

	summary := &RunSummary{
		RunID:      run.RunID,
		SnapshotID: run.SnapshotID,
		StartedAt:  run.Timestamp,
	}

	// Collecting: fan out, one goroutine per pipeline. Pipelines touch
	// disjoint log keys and store partitions, so no coordination is
	// needed beyond the join.
	outcomeCh := make(chan collectOutcome, len(c.Pipelines))
	for _, p := range c.Pipelines {
		go func(p Pipeline) {
			outcomeCh <- c.collect(ctx, run, p)
		}(p)
	}

	// Awaiting: join everything before touching the store.
	outcomes := make([]collectOutcome, 0, len(c.Pipelines))
	for range c.Pipelines {
		outcomes = append(outcomes, <-outcomeCh)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].result.Name < outcomes[j].result.Name })

	criticalFailed := false
	for i := range outcomes {
		res := &outcomes[i].result
		if !res.Success && res.Critical {
			criticalFailed = true
			logger.ErrorContext(ctx, "critical pipeline failed, aborting run", "run_id", run.RunID, "pipeline", res.Name, "reason", "critical_collection_failed", "error", res.Error)
		}
	}

	// Synchronizing: sequential per entity type; each type is isolated,
	// so one failed synchronization degrades only its own pipeline.
	if !criticalFailed {
		for i := range outcomes {
			outcome := &outcomes[i]
			if !outcome.result.Success {
				continue
			}
			c.syncPipeline(ctx, run, outcome)
		}
	}

	for i := range outcomes {
		summary.Pipelines = append(summary.Pipelines, outcomes[i].result)
	}

	// Deriving: secondary non-critical passes over synchronized data.
	if !criticalFailed {
		for _, d := range c.Derived {
			summary.Pipelines = append(summary.Pipelines, c.runDerived(ctx, run, d))
		}
	}

	for i := range summary.Pipelines {
		if summary.Pipelines[i].Counts != nil {
			summary.Totals.add(*summary.Pipelines[i].Counts)
		}
	}
	summary.FinishedAt = time.Now().UTC()
	summary.Success = !criticalFailed

	if c.Runs != nil {
		if err := c.Runs.SaveSummary(ctx, summary); err != nil {
			logger.ErrorContext(ctx, "failed to persist run summary", "run_id", run.RunID, "reason", "summary_save_failed", "error", err)
		}
	}

	logger.InfoContext(ctx, "finished synchronization run",
		"run_id", run.RunID, "success", summary.Success,
		"new", summary.Totals.New, "modified", summary.Totals.Modified,
		"deleted", summary.Totals.Deleted, "unchanged", summary.Totals.Unchanged,
		"writes", summary.Totals.Writes)

	if criticalFailed {
		return summary, fmt.Errorf("run %s: %w", run.RunID, ErrCriticalPipeline)
	}
	return summary, nil
}

// collect runs one pipeline's collector against its own append log.
func (c *Controller) collect(ctx context.Context, run RunContext, p Pipeline) collectOutcome {
	name := p.Collector.Name()
	logKey := run.LogKey(name)
	start := time.Now()

	outcome := collectOutcome{
		result: PipelineResult{
			Name:       name,
			EntityType: p.Collector.EntityType(),
			Critical:   p.Critical,
		},
		logKey: logKey,
		policy: p.Policy,
	}
	result := &outcome.result

	writer := NewAppendLogWriter(c.Blob, logKey, c.FlushThreshold)
	writer.Observer = c.metrics()

	err := p.Collector.Collect(ctx, run, writer)
	// Finalize regardless: on a collector failure this preserves whatever
	// was collected, and the partial log never reaches the engine.
	finalizeErr := writer.Finalize(ctx)
	switch {
	case err != nil:
		if finalizeErr != nil {
			slog.Default().WarnContext(ctx, "failed to preserve partial append log", "pipeline", name, "reason", "partial_finalize_failed", "error", finalizeErr)
		}
		result.Success = false
		result.Error = fmt.Errorf("%w: %s: %s", ErrCollectionFailed, name, err).Error()
	case finalizeErr != nil:
		result.Success = false
		result.Error = finalizeErr.Error()
	default:
		result.Success = true
	}

	result.Collected = writer.Records()
	c.metrics().RecordFlush(logKey, writer.BytesWritten(), finalizeErr)
	c.metrics().RecordPipeline(name, result.Success, result.Collected, time.Since(start).Milliseconds())

	slog.Default().InfoContext(ctx, "pipeline collection finished",
		"run_id", run.RunID, "pipeline", name, "success", result.Success,
		"collected", result.Collected, "log_key", logKey)

	return outcome
}

// syncPipeline synchronizes one successfully collected pipeline,
// retrying the whole step a bounded number of times with a fixed delay.
// The step is idempotent: upserts are by-id and the ledger drops
// duplicate change ids, so a retry after a partial write is safe.
func (c *Controller) syncPipeline(ctx context.Context, run RunContext, outcome *collectOutcome) {
	entityType := outcome.policy.EntityType
	start := time.Now()

	var counts SyncCounts
	attempts := c.SyncAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := runWithFixedRetry(ctx, "synchronize "+entityType, attempts, c.SyncRetryDelay, c.metrics(), func() error {
		current, existing, malformed, err := LoadSnapshotPair(ctx, c.Blob, outcome.logKey, c.Store, entityType)
		if err != nil {
			return err
		}

		result, err := ComputeDelta(run, outcome.policy, current, existing)
		if err != nil {
			return Permanent(err)
		}

		if err := c.Store.UpsertEntities(ctx, entityType, result.Upserts); err != nil {
			return err
		}
		if err := c.Store.MarkDeleted(ctx, entityType, result.SoftDeleteIDs, run.Timestamp); err != nil {
			return err
		}
		// The write is only complete once its ledger entries are durable.
		if err := c.Ledger.Append(ctx, result.Changes); err != nil {
			return err
		}

		counts = result.Counts
		counts.Errors += malformed
		return nil
	})

	if err != nil {
		outcome.result.Success = false
		outcome.result.Error = err.Error()
		slog.Default().ErrorContext(ctx, "synchronization failed, append log preserved for replay",
			"run_id", run.RunID, "entity_type", entityType, "reason", "sync_failed",
			"log_key", outcome.logKey, "error", err)
		return
	}

	outcome.result.Synced = true
	outcome.result.Counts = &counts
	c.metrics().RecordSync(entityType, counts, time.Since(start).Milliseconds())

	slog.Default().InfoContext(ctx, "entity type synchronized",
		"run_id", run.RunID, "entity_type", entityType,
		"new", counts.New, "modified", counts.Modified, "deleted", counts.Deleted,
		"unchanged", counts.Unchanged, "errors", counts.Errors)
}

// runDerived executes one derivation pass and pushes its output through
// the same log → engine → store path as a collected pipeline.
func (c *Controller) runDerived(ctx context.Context, run RunContext, d DerivedPipeline) PipelineResult {
	name := d.Deriver.Name()
	outcome := collectOutcome{
		result: PipelineResult{
			Name:       name,
			EntityType: d.Deriver.EntityType(),
			Critical:   false,
		},
		logKey: run.LogKey(name),
		policy: d.Policy,
	}
	start := time.Now()

	entities, err := d.Deriver.Derive(ctx, run, c.Store)
	if err != nil {
		outcome.result.Success = false
		outcome.result.Error = err.Error()
		c.metrics().RecordPipeline(name, false, 0, time.Since(start).Milliseconds())
		slog.Default().WarnContext(ctx, "derivation pass failed", "run_id", run.RunID, "pipeline", name, "reason", "derive_failed", "error", err)
		return outcome.result
	}

	writer := NewAppendLogWriter(c.Blob, outcome.logKey, c.FlushThreshold)
	writer.Observer = c.metrics()
	for i := range entities {
		if err := writer.Append(&entities[i]); err != nil {
			outcome.result.Success = false
			outcome.result.Error = err.Error()
			return outcome.result
		}
		if err := writer.FlushIfThreshold(ctx); err != nil {
			outcome.result.Success = false
			outcome.result.Error = err.Error()
			return outcome.result
		}
	}
	if err := writer.Finalize(ctx); err != nil {
		outcome.result.Success = false
		outcome.result.Error = err.Error()
		return outcome.result
	}

	outcome.result.Success = true
	outcome.result.Collected = writer.Records()
	c.metrics().RecordPipeline(name, true, outcome.result.Collected, time.Since(start).Milliseconds())

	c.syncPipeline(ctx, run, &outcome)
	return outcome.result
}

func (c *Controller) metrics() SyncMetrics {
	if c.Metrics == nil {
		return NoopSyncMetrics{}
	}
	return c.Metrics
}
