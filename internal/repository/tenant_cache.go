package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// ErrCacheMiss means the key is not in the cache.
var ErrCacheMiss = errors.New("cache miss")

// KVStore abstracts the cache so tests can run without Redis.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

var _ TenantRepositoryInterface = (*CachedTenantRepository)(nil)

// CachedTenantRepository serves tenant lookups from the KV store. Every webhook resolves
// its tenant, so reads are hot; writes invalidate both keys. Counters in a cached tenant
// may lag, so stats are always read from the underlying repository.
type CachedTenantRepository struct {
	next   TenantRepositoryInterface
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedTenantRepository(next TenantRepositoryInterface, kv KVStore, ttl time.Duration, logger *zap.Logger) *CachedTenantRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedTenantRepository{next: next, kv: kv, ttl: ttl, logger: logger}
}

func tenantIDKey(id string) string         { return "tenant:id:" + id }
func tenantDomainKey(domain string) string { return "tenant:domain:" + domain }

func (c *CachedTenantRepository) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	return c.cached(ctx, tenantIDKey(id), func() (*model.Tenant, error) {
		return c.next.GetByID(ctx, id)
	})
}

func (c *CachedTenantRepository) GetByShopDomain(ctx context.Context, domain string) (*model.Tenant, error) {
	return c.cached(ctx, tenantDomainKey(domain), func() (*model.Tenant, error) {
		return c.next.GetByShopDomain(ctx, domain)
	})
}

func (c *CachedTenantRepository) cached(ctx context.Context, key string, load func() (*model.Tenant, error)) (*model.Tenant, error) {
	raw, err := c.kv.Get(ctx, key)
	if err == nil {
		var t model.Tenant
		if jerr := json.Unmarshal([]byte(raw), &t); jerr == nil {
			return &t, nil
		}
		c.logger.Warn("discarding undecodable tenant cache entry", zap.String("key", key))
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("tenant cache read failed", zap.String("key", key), zap.Error(err))
	}

	t, err := load()
	if err != nil {
		return nil, err
	}
	if b, jerr := json.Marshal(t); jerr == nil {
		if serr := c.kv.Set(ctx, key, string(b), c.ttl); serr != nil {
			c.logger.Warn("tenant cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return t, nil
}

func (c *CachedTenantRepository) Upsert(ctx context.Context, t *model.Tenant) error {
	if err := c.next.Upsert(ctx, t); err != nil {
		return err
	}
	c.invalidate(ctx, t.ID, t.ShopDomain)
	return nil
}

func (c *CachedTenantRepository) UpdateChannel(ctx context.Context, id string, ch model.ChannelConfig) error {
	if err := c.next.UpdateChannel(ctx, id, ch); err != nil {
		return err
	}
	c.invalidateByID(ctx, id)
	return nil
}

func (c *CachedTenantRepository) IncrementStat(ctx context.Context, id string, field model.StatField, delta int64) error {
	return c.next.IncrementStat(ctx, id, field, delta)
}

func (c *CachedTenantRepository) Deactivate(ctx context.Context, id string) error {
	if err := c.next.Deactivate(ctx, id); err != nil {
		return err
	}
	c.invalidateByID(ctx, id)
	return nil
}

// invalidateByID drops both keys of a tenant; the domain comes from the store.
func (c *CachedTenantRepository) invalidateByID(ctx context.Context, id string) {
	domain := ""
	if t, err := c.next.GetByID(ctx, id); err == nil {
		domain = t.ShopDomain
	}
	c.invalidate(ctx, id, domain)
}

func (c *CachedTenantRepository) invalidate(ctx context.Context, id, domain string) {
	keys := []string{tenantIDKey(id)}
	if domain != "" {
		keys = append(keys, tenantDomainKey(domain))
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		c.logger.Warn("tenant cache invalidation failed", zap.String("tenant_id", id), zap.Error(err))
	}
}
