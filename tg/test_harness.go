package tg

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// TestHarness provides a fluent API for setting up sync test
// environments. Use this in tests to reduce boilerplate setup code.
//
// Example:
//
//	harness := NewTestHarness(t, "tenant-a").
//	    WithPipeline(collector, policy, true).
//	    Setup()
//	summary, err := harness.Controller().Run(ctx, nil)
type TestHarness struct {
	t        *testing.T
	tenantID string

	// Configuration options
	tempDir    string
	blobRoot   string
	pipelines  []Pipeline
	derived    []DerivedPipeline
	leases     RunLeaseManager
	metrics    SyncMetrics
	flushBytes int

	// Backing stores, populated by Setup
	blob       *LocalBlobStore
	store      *MemoryEntityStore
	ledger     *MemoryChangeLedger
	runs       *MemoryRunStore
	controller *Controller

	initialized bool
}

// NewTestHarness creates a new test harness for the given tenant.
// Temporary directories are created and cleaned up automatically.
func NewTestHarness(t *testing.T, tenantID string) *TestHarness {
	return &TestHarness{t: t, tenantID: tenantID}
}

// WithPipeline adds a collector pipeline to the harness controller.
func (h *TestHarness) WithPipeline(c Collector, policy ComparisonPolicy, critical bool) *TestHarness {
	h.pipelines = append(h.pipelines, Pipeline{Collector: c, Policy: policy, Critical: critical})
	return h
}

// WithDerived adds a derivation pipeline to the harness controller.
func (h *TestHarness) WithDerived(d Deriver, policy ComparisonPolicy) *TestHarness {
	h.derived = append(h.derived, DerivedPipeline{Deriver: d, Policy: policy})
	return h
}

// WithLeaseManager sets a lease manager; runs without one skip leasing.
func (h *TestHarness) WithLeaseManager(m RunLeaseManager) *TestHarness {
	h.leases = m
	return h
}

// WithMetrics sets a metrics sink for the controller.
func (h *TestHarness) WithMetrics(m SyncMetrics) *TestHarness {
	h.metrics = m
	return h
}

// WithFlushThreshold sets the append-log flush threshold in bytes.
// Useful for forcing mid-run flushes with small fixtures.
func (h *TestHarness) WithFlushThreshold(n int) *TestHarness {
	h.flushBytes = n
	return h
}

// WithBlobRoot sets a shared blob storage root. Use this when two
// harnesses must see the same archived logs.
func (h *TestHarness) WithBlobRoot(dir string) *TestHarness {
	h.blobRoot = dir
	return h
}

// Setup initializes the test environment.
func (h *TestHarness) Setup() *TestHarness {
	if h.initialized {
		h.t.Fatal("Harness already initialized")
	}

	h.tempDir = h.t.TempDir()
	if h.blobRoot == "" {
		h.blobRoot = filepath.Join(h.tempDir, "blobs")
	}

	h.blob = &LocalBlobStore{Root: h.blobRoot}
	h.store = NewMemoryEntityStore()
	h.ledger = NewMemoryChangeLedger()
	h.runs = NewMemoryRunStore()

	h.controller = &Controller{
		TenantID:       h.tenantID,
		Blob:           h.blob,
		Store:          h.store,
		Ledger:         h.ledger,
		Runs:           h.runs,
		Pipelines:      h.pipelines,
		Derived:        h.derived,
		LeaseManager:   h.leases,
		FlushThreshold: h.flushBytes,
		SyncAttempts:   2,
		SyncRetryDelay: time.Millisecond,
		Metrics:        h.metrics,
	}

	h.initialized = true
	return h
}

// Controller returns the configured controller.
func (h *TestHarness) Controller() *Controller {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.controller
}

// Blob returns the local blob store backing the harness.
func (h *TestHarness) Blob() *LocalBlobStore {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.blob
}

// Store returns the in-memory entity store backing the harness.
func (h *TestHarness) Store() *MemoryEntityStore {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.store
}

// Ledger returns the in-memory change ledger backing the harness.
func (h *TestHarness) Ledger() *MemoryChangeLedger {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.ledger
}

// Runs returns the in-memory run store backing the harness.
func (h *TestHarness) Runs() *MemoryRunStore {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.runs
}

// BlobRoot returns the blob storage root directory.
func (h *TestHarness) BlobRoot() string {
	return h.blobRoot
}

// SharedBlobRoot creates and returns a temporary shared blob storage
// directory for multi-harness scenarios.
func SharedBlobRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "shared-blobs")
}

// stubCollector emits a fixed entity set, or fails with Err when set.
// The Entities func is re-evaluated each run so tests can change the
// observed state between runs.
type stubCollector struct {
	name       string
	entityType string
	Entities   func() []Entity
	Err        error
}

func (c *stubCollector) Name() string       { return c.name }
func (c *stubCollector) EntityType() string { return c.entityType }

func (c *stubCollector) Collect(ctx context.Context, run RunContext, out *AppendLogWriter) error {
	if c.Err != nil {
		return c.Err
	}
	if c.Entities == nil {
		return nil
	}
	for _, e := range c.Entities() {
		e.Type = c.entityType
		if e.CollectedAt.IsZero() {
			e.CollectedAt = run.Timestamp
		}
		if err := out.Append(&e); err != nil {
			return fmt.Errorf("append %s: %w", e.ID, err)
		}
		if err := out.FlushIfThreshold(ctx); err != nil {
			return err
		}
	}
	return nil
}

// testPolicy builds a ComparisonPolicy for the given type comparing the
// named fields, with delete tracking and soft deletes enabled.
func testPolicy(entityType string, fields ...string) ComparisonPolicy {
	return ComparisonPolicy{
		EntityType:    entityType,
		CompareFields: fields,
		TrackDeletes:  true,
		SoftDelete:    true,
	}
}
