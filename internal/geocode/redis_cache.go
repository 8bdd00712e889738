package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"reliefhub/api/internal/store"
)

// RedisCache shares resolved coordinates between API processes. Redis
// failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache from an existing Redis client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "geo:",
	}
}

// key generates the Redis key for a normalized query
func (c *RedisCache) key(query string) string {
	return c.prefix + query
}

func (c *RedisCache) Get(ctx context.Context, query string) (store.Coordinates, bool) {
	raw, err := c.client.Get(ctx, c.key(query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Coordinates{}, false
	}
	if err != nil {
		log.Printf("geocode: redis cache get %q: %v", query, err)
		return store.Coordinates{}, false
	}
	var coords store.Coordinates
	if err := json.Unmarshal(raw, &coords); err != nil {
		log.Printf("geocode: redis cache entry %q unreadable: %v", query, err)
		return store.Coordinates{}, false
	}
	return coords, true
}

// Set stores without expiry: addresses do not move.
func (c *RedisCache) Set(ctx context.Context, query string, value store.Coordinates) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(query), raw, 0).Err(); err != nil {
		log.Printf("geocode: redis cache set %q: %v", query, err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, query string) {
	if err := c.client.Del(ctx, c.key(query)).Err(); err != nil {
		log.Printf("geocode: redis cache delete %q: %v", query, err)
	}
}
