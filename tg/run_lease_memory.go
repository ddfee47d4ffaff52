package tg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// InMemoryRunLeaseManager provides in-process run lease coordination.
type InMemoryRunLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]memoryLeaseRecord
	tokenSeq atomic.Uint64
}

// NewInMemoryRunLeaseManager creates a new in-memory lease manager.
func NewInMemoryRunLeaseManager() *InMemoryRunLeaseManager {
	return &InMemoryRunLeaseManager{
		leases: make(map[string]memoryLeaseRecord),
	}
}

// Acquire obtains the run lease for the given tenant.
func (m *InMemoryRunLeaseManager) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[tenantID]; ok && now.Before(rec.expiresAt) {
		return nil, ErrRunLeaseConflict
	}

	token := fmt.Sprintf("%s-%d-%d", tenantID, now.UnixNano(), m.tokenSeq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[tenantID] = memoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &RunLease{TenantID: tenantID, Token: token, ExpiresAt: expiresAt}, nil
}

// Renew extends an existing run lease.
func (m *InMemoryRunLeaseManager) Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || lease.TenantID == "" || lease.Token == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.TenantID]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrRunLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.TenantID] = memoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}

	return &RunLease{TenantID: lease.TenantID, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release gives up a run lease.
func (m *InMemoryRunLeaseManager) Release(ctx context.Context, lease *RunLease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lease == nil || lease.TenantID == "" || lease.Token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.TenantID]
	if !ok {
		return nil
	}
	if rec.token == lease.Token {
		delete(m.leases, lease.TenantID)
	}
	return nil
}
