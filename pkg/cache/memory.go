package cache

import (
	"context"
	"sync"
	"time"

	"rosterhub/pkg/domain"
)

type memoryEntry struct {
	value   []domain.Collaborator
	expires time.Time
}

// MemoryCache is a process-local CollaboratorCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Remember(ctx context.Context, userID string, ttl time.Duration, produce Producer) ([]domain.Collaborator, error) {
	k := key(defaultPrefix, userID)
	c.mu.Lock()
	if e, ok := c.entries[k]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return clone(e.value), nil
	}
	c.mu.Unlock()

	value, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []domain.Collaborator{}
	}
	c.mu.Lock()
	c.entries[k] = memoryEntry{value: clone(value), expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *MemoryCache) Forget(_ context.Context, userID string) error {
	c.mu.Lock()
	delete(c.entries, key(defaultPrefix, userID))
	c.mu.Unlock()
	return nil
}

func clone(in []domain.Collaborator) []domain.Collaborator {
	out := make([]domain.Collaborator, len(in))
	copy(out, in)
	return out
}
