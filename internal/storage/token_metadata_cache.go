package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/defi-lever/internal/adapter"
	"github.com/defi-lever/internal/logging"
)

const tokenMetadataKeyPrefix = "token:meta:"

// TokenMetadataCache is a read-through Redis cache in front of a slower
// metadata resolver (typically on-chain symbol/decimals lookups). Cache
// failures degrade to the resolver; resolver results are cached with a TTL
// so stale display metadata eventually self-heals.
type TokenMetadataCache struct {
	cache    *RedisCache
	resolver adapter.MetadataSource
	ttl      time.Duration
	log      *logging.Logger
}

// NewTokenMetadataCache creates a read-through metadata cache. The resolver
// is required; ttl defaults to 10 minutes.
func NewTokenMetadataCache(cache *RedisCache, resolver adapter.MetadataSource, ttl time.Duration) (*TokenMetadataCache, error) {
	if cache == nil {
		return nil, fmt.Errorf("redis cache is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("metadata resolver is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenMetadataCache{
		cache:    cache,
		resolver: resolver,
		ttl:      ttl,
		log:      logging.GetGlobalLogger().WithField("component", "token-metadata-cache"),
	}, nil
}

// TokenMetadata implements adapter.MetadataSource
func (c *TokenMetadataCache) TokenMetadata(ctx context.Context, assetID string) (*adapter.TokenMetadata, error) {
	key := tokenMetadataKeyPrefix + assetID

	cached, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var meta adapter.TokenMetadata
		if unmarshalErr := json.Unmarshal([]byte(cached), &meta); unmarshalErr == nil {
			return &meta, nil
		}
		// Corrupt entry, drop it and fall through to the resolver
		_ = c.cache.Del(ctx, key)
	case errors.Is(err, redis.Nil):
		// Cache miss
	default:
		c.log.WithError(err).WithField("asset", assetID).Warn("Metadata cache read failed")
	}

	meta, err := c.resolver.TokenMetadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if encoded, marshalErr := json.Marshal(meta); marshalErr == nil {
		if setErr := c.cache.Set(ctx, key, string(encoded), c.ttl); setErr != nil {
			c.log.WithError(setErr).WithField("asset", assetID).Warn("Metadata cache write failed")
		}
	}
	return meta, nil
}

// Invalidate removes a cached entry, forcing the next lookup through the
// resolver
func (c *TokenMetadataCache) Invalidate(ctx context.Context, assetID string) error {
	return c.cache.Del(ctx, tokenMetadataKeyPrefix+assetID)
}
