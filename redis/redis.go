package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// WorksheetsVersionKey versions every cached worksheet listing. It is bumped
// whenever a change could alter what some user sees in a listing.
const WorksheetsVersionKey = "worksheets:version"

// Cache is a JSON cache with versioned key namespaces. A Cache without a
// client is valid and behaves as a permanent miss.
type Cache struct {
	client *redis.Client
}

// InitRedis connects to addr and returns a cache. When redis is unreachable the
// returned cache is disabled.
func InitRedis(ctx context.Context, addr string) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis not available, running without cache")
		_ = client.Close()
		return &Cache{}
	}

	log.Info().Str("addr", addr).Msg("redis connected")
	return &Cache{client: client}
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Get decodes the value stored at key into dest and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// GetVersion returns the current version of a key namespace, 0 if unset.
func (c *Cache) GetVersion(ctx context.Context, key string) int64 {
	if !c.Enabled() {
		return 0
	}
	v, err := c.client.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return v
}

// IncrementVersion moves a key namespace forward so older entries are never read again.
func (c *Cache) IncrementVersion(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to bump cache version")
	}
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
