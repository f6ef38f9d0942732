// Package cache fronts entitlement reads with Redis. Every operation fails
// open: a cache outage degrades to database reads, never to request errors.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/entitle"
	"github.com/praxos/billingd/internal/metrics"
)

// DefaultTTL bounds staleness when an eviction is lost.
const DefaultTTL = 5 * time.Minute

// Cache wraps a Redis client for entitlement views.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Open parses a Redis URL (redis://host:port/db) and connects. The
// connection is verified lazily; a down Redis does not fail startup.
func Open(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Key returns the cache key for a (tenant, user) pair.
func Key(tenantID, userID string) string {
	return "ent:" + tenantID + ":" + userID
}

// GetView returns the cached view, or (nil, false) on miss or any cache
// failure.
func (c *Cache) GetView(ctx context.Context, tenantID, userID string) (*entitle.View, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, Key(tenantID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheOps.WithLabelValues("get", "miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.CacheOps.WithLabelValues("get", "error").Inc()
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("cache read failed, falling back to database")
		return nil, false
	}

	var view entitle.View
	if err := json.Unmarshal(raw, &view); err != nil {
		metrics.CacheOps.WithLabelValues("get", "error").Inc()
		log.Warn().Err(err).Str("key", Key(tenantID, userID)).Msg("cache entry corrupt, evicting")
		c.Invalidate(ctx, tenantID, userID)
		return nil, false
	}
	metrics.CacheOps.WithLabelValues("get", "ok").Inc()
	return &view, true
}

// SetView stores the view with the configured TTL. Failures are logged and
// swallowed.
func (c *Cache) SetView(ctx context.Context, view *entitle.View) {
	if c == nil || view == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err != nil {
		metrics.CacheOps.WithLabelValues("set", "error").Inc()
		log.Warn().Err(err).Msg("cache encode failed")
		return
	}
	if err := c.client.Set(ctx, Key(view.TenantID, view.UserID), raw, c.ttl).Err(); err != nil {
		metrics.CacheOps.WithLabelValues("set", "error").Inc()
		log.Warn().Err(err).Str("key", Key(view.TenantID, view.UserID)).Msg("cache write failed")
		return
	}
	metrics.CacheOps.WithLabelValues("set", "ok").Inc()
}

// Invalidate drops the cached view for a pair. Failures are logged and
// swallowed; the TTL bounds staleness when an eviction is lost.
func (c *Cache) Invalidate(ctx context.Context, tenantID, userID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, Key(tenantID, userID)).Err(); err != nil {
		metrics.CacheOps.WithLabelValues("del", "error").Inc()
		log.Warn().Err(err).Str("key", Key(tenantID, userID)).Msg("cache eviction failed")
		return
	}
	metrics.CacheOps.WithLabelValues("del", "ok").Inc()
}

// Ping checks cache connectivity (used by readiness reporting only; the
// service stays ready without Redis).
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
