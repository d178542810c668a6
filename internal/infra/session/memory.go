package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hxat/internal/domain"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps serialized sessions in process. Used when no Redis is
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Load(_ context.Context, token string) (*domain.LaunchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(token)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return decode(entry.data)
}

func (m *MemoryStore) Update(_ context.Context, token string, fn func(*domain.LaunchSession) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := domain.NewLaunchSession()
	if entry, ok := m.live(token); ok {
		decoded, err := decode(entry.data)
		if err != nil {
			return err
		}
		sess = decoded
	}
	if err := fn(sess); err != nil {
		return err
	}
	if !sess.Dirty() {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	sess.ClearDirty()
	m.entries[token] = memoryEntry{data: data, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, token)
	return nil
}

// live returns the entry for token unless it has expired. Callers hold m.mu.
func (m *MemoryStore) live(token string) (memoryEntry, bool) {
	entry, ok := m.entries[token]
	if !ok {
		return memoryEntry{}, false
	}
	if m.ttl > 0 && m.now().After(entry.expiresAt) {
		delete(m.entries, token)
		return memoryEntry{}, false
	}
	return entry, true
}

var _ domain.SessionStore = (*MemoryStore)(nil)
