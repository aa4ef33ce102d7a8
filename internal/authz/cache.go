package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "authz:version"

// Cache wraps Redis based caching with versioning controls. Bumping the
// version orphans every key built under the previous one.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loadInto(ctx, dest, loader, nil)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	return loadInto(ctx, dest, loader, func(raw []byte) error {
		return c.client.Set(ctx, key, raw, c.ttl).Err()
	})
}

func loadInto(ctx context.Context, dest any, loader func(context.Context) (any, error), store func([]byte) error) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if store != nil {
		if err := store(raw); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Invalidate bumps the global version.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

// CachedResolver serves role permission sets from the cache and collapses
// concurrent loads of the same role. A cache failure falls back to the store.
type CachedResolver struct {
	next   PermissionResolver
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedResolver wraps next with the cache.
func NewCachedResolver(next PermissionResolver, cache *Cache, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{next: next, cache: cache, logger: logger.With(slog.String("component", "authz.cache"))}
}

// RolePermissions implements PermissionResolver.
func (r *CachedResolver) RolePermissions(ctx context.Context, roleID string) ([]EffectivePermission, error) {
	key, err := r.cache.BuildKey(ctx, "authz", "role_perms", roleID)
	if err != nil {
		r.logger.Warn("cache key unavailable", slog.String("role_id", roleID), slog.Any("error", err))
		return r.next.RolePermissions(ctx, roleID)
	}
	ch := r.group.DoChan(key, func() (any, error) {
		var perms []EffectivePermission
		err := r.cache.FetchJSON(ctx, key, &perms, func(ctx context.Context) (any, error) {
			return r.next.RolePermissions(ctx, roleID)
		})
		return perms, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("cache fetch failed", slog.String("role_id", roleID), slog.Any("error", res.Err))
			return r.next.RolePermissions(ctx, roleID)
		}
		return res.Val.([]EffectivePermission), nil
	}
}
