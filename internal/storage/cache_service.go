package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyChats is the sidebar chat list of one user
	CacheKeyChats CacheKeyType = "chats"
	// CacheKeyMetrics is the insurance metrics summary of one holder
	CacheKeyMetrics CacheKeyType = "metrics"
	// CacheKeyRevoked marks a session id as logged out
	CacheKeyRevoked CacheKeyType = "session:revoked"
)

// CacheService provides JSON caching and session revocation on top of Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// ChatsKey returns chats:<address>
func ChatsKey(address string) string {
	return GenerateCacheKey(CacheKeyChats, address)
}

// MetricsKey returns metrics:<address>
func MetricsKey(address string) string {
	return GenerateCacheKey(CacheKeyMetrics, address)
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it into dest.
// A miss is reported as (false, nil).
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// RevokeSession marks a session id as revoked until it would have expired anyway
func (c *CacheService) RevokeSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return c.redis.Set(ctx, GenerateCacheKey(CacheKeyRevoked, sessionID), "1", ttl)
}

// IsSessionRevoked reports whether a session id has been revoked
func (c *CacheService) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	revoked, err := c.redis.Exists(ctx, GenerateCacheKey(CacheKeyRevoked, sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to check session revocation: %w", err)
	}
	return revoked, nil
}
