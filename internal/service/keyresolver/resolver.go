package keyresolver

import (
	"context"
	"errors"
	"fmt"

	"sealchat/internal/model"
	"sealchat/internal/service/api"
	"sealchat/internal/utils/log"

	"go.uber.org/zap"
)

// ErrRecipientKeyUnavailable means neither the identity endpoint nor the
// legacy registry yielded a key. Fatal to that one recipient's envelope,
// never to the rest of a multi-recipient send.
var ErrRecipientKeyUnavailable = errors.New("recipient key unavailable")

type (
	// KeyCache stores resolved public keys for the session. Entries never
	// expire by TTL; only the repair protocol invalidates them.
	KeyCache interface {
		Get(ctx context.Context, userID string) (*model.PublicKeyInfo, error)
		Put(ctx context.Context, userID string, info *model.PublicKeyInfo) error
		Invalidate(ctx context.Context, userID string) error
	}

	// Resolver fetches other participants' public identity keys, cache-first
	// with a legacy per-device registry fallback.
	Resolver struct {
		apiClient *api.Client
		cache     KeyCache
	}
)

func New(apiClient *api.Client, cache KeyCache) *Resolver {
	return &Resolver{apiClient: apiClient, cache: cache}
}

// GetPublicKey resolves a user's identity key. The first successful result is
// cached for the session.
func (r *Resolver) GetPublicKey(ctx context.Context, userID, token string) (*model.PublicKeyInfo, error) {
	if cached, err := r.cache.Get(ctx, userID); err != nil {
		log.Warn("key cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	info, err := r.fetch(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Put(ctx, userID, info); err != nil {
		log.Warn("key cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return info, nil
}

// Refresh forces a fresh lookup, replacing any cached entry. The repair
// protocol uses it so a stale key cannot poison re-encrypted envelopes.
func (r *Resolver) Refresh(ctx context.Context, userID, token string) (*model.PublicKeyInfo, error) {
	info, err := r.fetch(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Put(ctx, userID, info); err != nil {
		log.Warn("key cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return info, nil
}

// Invalidate drops a cached key after envelope delivery for that recipient
// was found defective.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		log.Warn("key cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (r *Resolver) fetch(ctx context.Context, userID, token string) (*model.PublicKeyInfo, error) {
	info, err := r.apiClient.GetIdentityPublicKey(ctx, userID, token)
	switch {
	case err == nil:
		if len(info.PublicKey) == model.KeySize {
			return info, nil
		}
		log.Warn("identity endpoint returned malformed key", zap.String("user_id", userID))
	case !errors.Is(err, api.ErrNotFound):
		return nil, fmt.Errorf("identity key lookup for %s: %w", userID, err)
	}

	// Legacy registry fallback: first device entry with a well-formed key.
	legacy, err := r.apiClient.GetLegacyKeys(ctx, userID, token)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, ErrRecipientKeyUnavailable
		}
		return nil, fmt.Errorf("legacy key lookup for %s: %w", userID, err)
	}
	for _, device := range legacy.Devices {
		if len(device.IdentityKey) == model.KeySize {
			log.Debug("resolved key via legacy registry", zap.String("user_id", userID))
			return &model.PublicKeyInfo{
				PublicKey: device.IdentityKey,
				Version:   device.KeyVersion,
			}, nil
		}
	}
	return nil, ErrRecipientKeyUnavailable
}
