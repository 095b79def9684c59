package engine

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseStore guards executions against concurrent pick-up by overlapping
// executor passes. The store-level claim is the durable fallback; this is
// the fast path, and the Redis implementation extends the guard across
// replicas.
type LeaseStore interface {
	// Acquire takes the lease for the given key. Returns false when another
	// holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees the lease.
	Release(ctx context.Context, key string) error
}

// MemoryLeaseStore is a process-local LeaseStore.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewMemoryLeaseStore creates an empty in-memory lease store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]time.Time)}
}

// Acquire takes the lease if it is free or expired.
func (s *MemoryLeaseStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, held := s.leases[key]; held && expiry.After(now) {
		return false, nil
	}
	s.leases[key] = now.Add(ttl)
	return true, nil
}

// Release frees the lease.
func (s *MemoryLeaseStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

// RedisLeaseStore backs leases with Redis SET NX for multi-replica
// deployments.
type RedisLeaseStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLeaseStore creates a Redis-backed lease store.
func NewRedisLeaseStore(client redis.Cmdable) *RedisLeaseStore {
	return &RedisLeaseStore{client: client, prefix: "flowline:lease:"}
}

// Acquire takes the lease via SET NX with the TTL as expiry.
func (s *RedisLeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
}

// Release frees the lease.
func (s *RedisLeaseStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
