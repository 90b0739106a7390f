package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-node counter store: a sharded map with per-shard
// locking. Expired buckets are evicted lazily on access and swept whenever a
// shard grows past its watermark.
type MemoryStore struct {
	shards [shardCount]memoryShard
	now    func() time.Time
}

const (
	shardCount     = 16
	sweepWatermark = 4096
)

type memoryShard struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]memoryBucket)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.shards[h%shardCount]
}

// Incr bumps the counter for key, initializing the bucket with a lifetime of
// window on first touch.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	sh := s.shard(key)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok || !b.expiresAt.After(now) {
		b = memoryBucket{count: 0, expiresAt: now.Add(window)}
	}
	b.count++
	sh.buckets[key] = b
	if len(sh.buckets) > sweepWatermark {
		for k, v := range sh.buckets {
			if !v.expiresAt.After(now) {
				delete(sh.buckets, k)
			}
		}
	}
	return b.count, nil
}

// Decr refunds one unit from a live bucket, flooring at zero. Expired or
// absent buckets are left alone.
func (s *MemoryStore) Decr(_ context.Context, key string, _ time.Duration) error {
	sh := s.shard(key)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok || !b.expiresAt.After(now) || b.count == 0 {
		return nil
	}
	b.count--
	sh.buckets[key] = b
	return nil
}

// Peek returns the counter without bumping it.
func (s *MemoryStore) Peek(_ context.Context, key string, _ time.Duration) (int64, error) {
	sh := s.shard(key)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok || !b.expiresAt.After(now) {
		return 0, nil
	}
	return b.count, nil
}
