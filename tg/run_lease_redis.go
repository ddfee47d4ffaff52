package tg

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRunLeasePrefix = "tenantgraph:runlease:"

// RedisRunLeaseManager coordinates per-tenant run leases via Redis, for
// deployments where more than one instance can trigger runs.
//
// Redis semantics:
//   - Acquire uses SET NX PX for atomic lock-with-TTL.
//   - Renew uses a token-checked Lua script (GET + PEXPIRE).
//   - Release uses a token-checked Lua script (GET + DEL).
//
// Token checks are required so one runner cannot accidentally renew or
// release another runner's lease.
type RedisRunLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisRunLeaseManager creates a Redis-backed lease manager. Prefix
// namespaces lease keys so multiple environments can share one Redis
// cluster; if empty, a default namespace is used.
func NewRedisRunLeaseManager(client redis.UniversalClient, prefix string) (*RedisRunLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisRunLeasePrefix
	}
	return &RedisRunLeaseManager{Client: client, Prefix: prefix}, nil
}

// Acquire attempts to acquire the tenant's run lease for the given ttl.
// On conflict it returns ErrRunLeaseConflict.
func (m *RedisRunLeaseManager) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenantID cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	token, err := randomLeaseToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.key(tenantID), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunLeaseConflict
	}

	return &RunLease{TenantID: tenantID, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

// Renew extends an existing lease when the token still owns the key. If
// the key is missing, expired, or owned by another token, it returns
// ErrRunLeaseConflict.
func (m *RedisRunLeaseManager) Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.TenantID) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()
	res, err := renewRunLeaseScript.Run(ctx, m.Client, []string{m.key(lease.TenantID)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if res != 1 {
		return nil, ErrRunLeaseConflict
	}

	return &RunLease{TenantID: lease.TenantID, Token: lease.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release deletes an existing lease only if the token still owns the key.
// Release is idempotent for missing/invalid leases.
//
// Release always attempts the Redis call regardless of the caller's
// context state: a cancelled run must not leave the tenant locked until
// TTL expiry.
func (m *RedisRunLeaseManager) Release(_ context.Context, lease *RunLease) error {
	if lease == nil || strings.TrimSpace(lease.TenantID) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := releaseRunLeaseScript.Run(releaseCtx, m.Client, []string{m.key(lease.TenantID)}, lease.Token).Int()
	return err
}

func (m *RedisRunLeaseManager) key(tenantID string) string {
	return m.Prefix + tenantID
}

func randomLeaseToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var renewRunLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseRunLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
