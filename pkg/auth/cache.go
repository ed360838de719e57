package auth

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// IdentityCache stores introspection results keyed by token hash.
// Implementations must never persist [ClaimAccessToken].
type IdentityCache interface {
	Get(ctx context.Context, key string) (Claims, bool, error)
	Set(ctx context.Context, key string, claims Claims, ttl time.Duration) error
}

// MemoryIdentityCache is a process-local [IdentityCache].
type MemoryIdentityCache struct {
	items *gocache.Cache
}

var _ IdentityCache = (*MemoryIdentityCache)(nil)

// NewMemoryIdentityCache returns an empty cache that purges expired
// entries every cleanupInterval (never, if it is not positive).
func NewMemoryIdentityCache(cleanupInterval time.Duration) *MemoryIdentityCache {
	return &MemoryIdentityCache{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get returns a copy of the claims stored under key.
func (m *MemoryIdentityCache) Get(_ context.Context, key string) (Claims, bool, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(Claims).Clone(), true, nil
}

// Set stores claims for ttl.
func (m *MemoryIdentityCache) Set(_ context.Context, key string, claims Claims, ttl time.Duration) error {
	m.items.Set(key, claims.Without(ClaimAccessToken), ttl)
	return nil
}

// Len reports the number of entries, including expired ones not yet
// purged.
func (m *MemoryIdentityCache) Len() int {
	return m.items.ItemCount()
}

// KeyValueStore is the string store behind [RedisIdentityCache].
// [*redis.Client] from pkg/clients/redis satisfies it.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// DefaultCacheKeyPrefix namespaces introspection entries in a shared store.
const DefaultCacheKeyPrefix = "authorhub:introspection:"

// RedisIdentityCache shares introspection results between replicas. Claims
// are stored as JSON.
type RedisIdentityCache struct {
	store  KeyValueStore
	prefix string
}

var _ IdentityCache = (*RedisIdentityCache)(nil)

// NewRedisIdentityCache returns a cache writing to store under prefix, or
// [DefaultCacheKeyPrefix] when prefix is empty.
func NewRedisIdentityCache(store KeyValueStore, prefix string) *RedisIdentityCache {
	if prefix == "" {
		prefix = DefaultCacheKeyPrefix
	}
	return &RedisIdentityCache{store: store, prefix: prefix}
}

// Get implements [IdentityCache]. An undecodable entry is evicted and
// reported as an error, which callers treat as a miss.
func (r *RedisIdentityCache) Get(ctx context.Context, key string) (Claims, bool, error) {
	raw, found, err := r.store.Get(ctx, r.prefix+key)
	if err != nil || !found {
		return nil, false, err
	}
	var claims Claims
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		_, _ = r.store.Del(ctx, r.prefix+key)
		return nil, false, sserr.Wrap(err, sserr.CodeInternalDatabase, "auth: cached identity is not valid JSON")
	}
	return claims, true, nil
}

// Set implements [IdentityCache].
func (r *RedisIdentityCache) Set(ctx context.Context, key string, claims Claims, ttl time.Duration) error {
	raw, err := json.Marshal(claims.Without(ClaimAccessToken))
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "auth: failed to encode identity for cache")
	}
	return r.store.Set(ctx, r.prefix+key, string(raw), ttl)
}
