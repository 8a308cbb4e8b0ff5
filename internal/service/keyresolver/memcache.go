package keyresolver

import (
	"context"
	"sync"

	"sealchat/internal/model"
)

// MemoryKeyCache is the in-process KeyCache. The redis-backed implementation
// lives in internal/service/redis.
type MemoryKeyCache struct {
	mu   sync.Mutex
	keys map[string]*model.PublicKeyInfo
}

func NewMemoryKeyCache() *MemoryKeyCache {
	return &MemoryKeyCache{keys: make(map[string]*model.PublicKeyInfo)}
}

func (c *MemoryKeyCache) Get(_ context.Context, userID string) (*model.PublicKeyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[userID], nil
}

func (c *MemoryKeyCache) Put(_ context.Context, userID string, info *model.PublicKeyInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID] = info
	return nil
}

func (c *MemoryKeyCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, userID)
	return nil
}
