package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"sealchat/internal/model"
)

// KeyCache is the redis-backed recipient key cache. Entries carry no TTL;
// session-lifetime semantics come from the repair protocol invalidating them,
// never from expiry.
type KeyCache struct {
	svc *RedisService
}

func NewKeyCache(svc *RedisService) *KeyCache {
	return &KeyCache{svc: svc}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("recipient_key: %s", userID)
}

func (c *KeyCache) Get(ctx context.Context, userID string) (*model.PublicKeyInfo, error) {
	v, err := c.svc.Get(ctx, cacheKey(userID))
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info model.PublicKeyInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *KeyCache) Put(ctx context.Context, userID string, info *model.PublicKeyInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.svc.Set(ctx, cacheKey(userID), data, 0)
}

func (c *KeyCache) Invalidate(ctx context.Context, userID string) error {
	return c.svc.Del(ctx, cacheKey(userID))
}
