package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"botfleet-backend/internal/common/logger"
	rplatform "botfleet-backend/internal/platform/redis"
)

// SettingsCache provides Redis-based caching of per-tenant stored module
// settings. Entries expire on their own; config_reload invalidates a whole
// tenant eagerly.
type SettingsCache struct {
	client *rplatform.Client
	ttl    time.Duration
}

func NewSettingsCache(client *rplatform.Client, ttl time.Duration) *SettingsCache {
	return &SettingsCache{client: client, ttl: ttl}
}

func (c *SettingsCache) key(tenantID int64, moduleName string) string {
	return fmt.Sprintf("tenant:%d:module_settings:%s", tenantID, moduleName)
}

func (c *SettingsCache) pattern(tenantID int64) string {
	return fmt.Sprintf("tenant:%d:module_settings:*", tenantID)
}

// Get returns the cached stored-settings row for (tenant, module).
func (c *SettingsCache) Get(ctx context.Context, tenantID int64, moduleName string) (map[string]interface{}, bool) {
	raw, err := c.client.Get(ctx, c.key(tenantID, moduleName)).Bytes()
	if err != nil {
		return nil, false
	}
	settings := map[string]interface{}{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, false
	}
	return settings, true
}

// Set stores the settings row with the cache TTL. Cache write failures are
// logged and dropped; the store remains the source of truth.
func (c *SettingsCache) Set(ctx context.Context, tenantID int64, moduleName string, settings map[string]interface{}) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(tenantID, moduleName), raw, c.ttl).Err(); err != nil {
		logger.With(tenantID).Warn().Err(err).Msg("Failed to cache module settings")
	}
}

// Invalidate removes every cached settings entry of one tenant.
func (c *SettingsCache) Invalidate(ctx context.Context, tenantID int64) {
	iter := c.client.Scan(ctx, 0, c.pattern(tenantID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logger.With(tenantID).Warn().Err(err).Msg("Failed to scan settings cache keys")
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			logger.With(tenantID).Warn().Err(err).Msg("Failed to invalidate settings cache")
		}
	}
}
