package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"hxat/internal/domain"
)

var errCapacityExceeded = errors.New("rate limiter capacity exceeded")

type memoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*memoryBucket
	maxKeys int
}

type memoryBucket struct {
	count     int
	windowEnd time.Time
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) domain.RateLimiter {
	return newMemoryLimiter(cfg)
}

func newMemoryLimiter(cfg MemoryLimiterConfig) *memoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &memoryLimiter{
		now:     cfg.Now,
		data:    make(map[string]*memoryBucket),
		maxKeys: cfg.MaxKeys,
	}
}

func (m *memoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, err := m.bucket(key, now, window)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	// rejected requests are not counted so Remaining never goes negative
	if bucket.count < limit {
		bucket.count++
		return decide(limit, bucket.count, bucket.windowEnd), nil
	}
	return decide(limit, limit+1, bucket.windowEnd), nil
}

// bucket returns the live bucket for key, opening a new window when the
// previous one has ended. Callers hold m.mu.
func (m *memoryLimiter) bucket(key string, now time.Time, window time.Duration) (*memoryBucket, error) {
	bucket, ok := m.data[key]
	if ok && !now.After(bucket.windowEnd) {
		return bucket, nil
	}
	delete(m.data, key)
	if len(m.data) >= m.maxKeys {
		m.gc(now)
	}
	if len(m.data) >= m.maxKeys {
		return nil, errCapacityExceeded
	}
	bucket = &memoryBucket{windowEnd: now.Add(window)}
	m.data[key] = bucket
	return bucket, nil
}

func (m *memoryLimiter) gc(now time.Time) {
	for key, bucket := range m.data {
		if now.After(bucket.windowEnd) {
			delete(m.data, key)
		}
	}
}

// MemoryNonceStore remembers oauth nonces in process. When MaxKeys live
// nonces are held the oldest is forgotten, so a full store never rejects a
// launch. Forgotten nonces are older than any timestamp the validator still
// accepts unless MaxKeys is far below the launch rate.
type MemoryNonceStore struct {
	mu      sync.Mutex
	now     func() time.Time
	seen    map[string]time.Time
	order   []nonceEntry
	maxKeys int
}

type nonceEntry struct {
	key     string
	expires time.Time
}

func NewMemoryNonceStore(cfg MemoryLimiterConfig) *MemoryNonceStore {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryNonceStore{
		now:     cfg.Now,
		seen:    make(map[string]time.Time),
		maxKeys: cfg.MaxKeys,
	}
}

func (s *MemoryNonceStore) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.seen[key]; ok && !now.After(expires) {
		return false, nil
	}
	s.expire(now)
	for len(s.seen) >= s.maxKeys && len(s.order) > 0 {
		s.pop()
	}
	expires := now.Add(ttl)
	s.seen[key] = expires
	s.order = append(s.order, nonceEntry{key: key, expires: expires})
	return true, nil
}

// expire drops nonces from the front of the queue whose ttl has passed.
// A single ttl is used per store so queue order is expiry order.
func (s *MemoryNonceStore) expire(now time.Time) {
	for len(s.order) > 0 && now.After(s.order[0].expires) {
		s.pop()
	}
}

func (s *MemoryNonceStore) pop() {
	head := s.order[0]
	s.order[0] = nonceEntry{}
	s.order = s.order[1:]
	// a re-remembered key has a newer entry further back
	if expires, ok := s.seen[head.key]; ok && expires.Equal(head.expires) {
		delete(s.seen, head.key)
	}
}

var _ domain.NonceStore = (*MemoryNonceStore)(nil)
