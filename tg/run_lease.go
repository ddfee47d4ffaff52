// run_lease.go defines the RunLeaseManager interface and the controller's
// lease acquisition helper.
//
// System fit:
//
//   - The orchestration controller acquires a lease for its tenant before
//     starting a run. Collector pipelines hammer the same upstream APIs
//     and the same store partitions; two overlapping runs for one tenant
//     would double collection cost and interleave append logs.
//   - The lease is coarse: per-type store writes stay correct without it
//     (each run writes idempotent upserts), so the lease is an
//     optimisation that makes overlap rare rather than unsafe.
//
// Implementations:
//
//   - InMemoryRunLeaseManager — in-process mutex, suitable for single-pod
//     deployments and tests.
//   - RedisRunLeaseManager — Redis SET NX / Lua scripts, suitable for
//     multi-pod deployments.

package tg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultRunLeaseTTL = 15 * time.Minute

// RunLease represents a held run lock for one tenant. The Token field is
// used by the lease manager to verify ownership on Renew and Release, so
// one runner cannot accidentally release another's lease.
type RunLease struct {
	TenantID  string
	Token     string
	ExpiresAt time.Time
}

// RunLeaseManager coordinates at most one active run per tenant.
// Acquire returns ErrRunLeaseConflict when the lease is already held.
type RunLeaseManager interface {
	Acquire(ctx context.Context, tenantID string, ttl time.Duration) (*RunLease, error)
	Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error)
	Release(ctx context.Context, lease *RunLease) error
}

// acquireRunLease acquires the tenant's run lease. The caller must defer
// manager.Release(context.Background(), lease) regardless of subsequent
// errors so a crashed run does not block the tenant until TTL expiry.
//
// Conflicts are logged at WARN level; other errors at ERROR level.
func acquireRunLease(ctx context.Context, manager RunLeaseManager, tenantID string, ttl time.Duration) (*RunLease, error) {
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}
	lease, err := manager.Acquire(ctx, tenantID, ttl)
	if err != nil {
		if errors.Is(err, ErrRunLeaseConflict) {
			slog.Default().WarnContext(ctx, "run lease acquisition conflict", "tenant_id", tenantID, "reason", "lease_conflict", "ttl", ttl.String())
		} else {
			slog.Default().ErrorContext(ctx, "run lease acquisition failed", "tenant_id", tenantID, "reason", "lease_acquire_failed", "error", err)
		}
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	return lease, nil
}
