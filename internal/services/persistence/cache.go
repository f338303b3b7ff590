package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

const DefaultCacheKey = "eload:latest"

// putIfNewer replaces the cached measurement only when the candidate is
// newer by (timestamp, id), so concurrent appends cannot move it backwards.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'ts', 'id')
if cur[1] then
	local ts, id = tonumber(ARGV[1]), tonumber(ARGV[2])
	local cts, cid = tonumber(cur[1]), tonumber(cur[2])
	if ts < cts or (ts == cts and id <= cid) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'id', ARGV[2], 'data', ARGV[3])
return 1
`)

// LatestCache keeps the newest measurement in Redis next to the store.
type LatestCache struct {
	rdb *redis.Client
	key string
}

func NewLatestCache(rdb *redis.Client, key string) *LatestCache {
	if key == "" {
		key = DefaultCacheKey
	}
	return &LatestCache{rdb: rdb, key: key}
}

// Put reports whether the cached value was replaced.
func (c *LatestCache) Put(ctx context.Context, m model.Measurement) (bool, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode measurement: %w", err)
	}
	// microseconds keep the score below 2^53, exact as a Lua number
	n, err := putIfNewer.Run(ctx, c.rdb, []string{c.key}, m.Timestamp.UnixMicro(), m.ID, string(data)).Int()
	if err != nil {
		return false, fmt.Errorf("cache latest: %w", err)
	}
	return n == 1, nil
}

// Get returns ErrNotFound on a cold cache.
func (c *LatestCache) Get(ctx context.Context) (model.Measurement, error) {
	data, err := c.rdb.HGet(ctx, c.key, "data").Result()
	if errors.Is(err, redis.Nil) {
		return model.Measurement{}, ErrNotFound
	}
	if err != nil {
		return model.Measurement{}, fmt.Errorf("read cached latest: %w", err)
	}
	var m model.Measurement
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return model.Measurement{}, fmt.Errorf("decode cached latest: %w", err)
	}
	return m, nil
}

// Invalidate drops the cached measurement so readers fall back to the store.
func (c *LatestCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("invalidate cached latest: %w", err)
	}
	return nil
}

func (c *LatestCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *LatestCache) Close() error {
	return c.rdb.Close()
}
