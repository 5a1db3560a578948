// Package rediscache wraps a BarStore with a read-through redis cache.
//
// The SQL store stays authoritative: any redis failure falls through to the
// inner store and playback proceeds, so no circuit breaking is needed here.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"candle-replay/internal/metrics"
	"candle-replay/internal/model"
	"candle-replay/internal/store"

	goredis "github.com/go-redis/redis/v8"
)

// Cache decorates an inner BarStore with TTL-bounded range caching.
type Cache struct {
	inner store.BarStore
	rdb   *goredis.Client
	ttl   time.Duration
	mets  *metrics.Metrics
}

// New creates a cache over inner. mets may be nil.
func New(inner store.BarStore, rdb *goredis.Client, ttl time.Duration, mets *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{inner: inner, rdb: rdb, ttl: ttl, mets: mets}
}

// FetchBars serves the query from redis when possible, otherwise fetches
// from the inner store and populates the cache.
func (c *Cache) FetchBars(ctx context.Context, q store.Query) ([]model.Bar, error) {
	key := cacheKey(q)

	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var bars []model.Bar
		if err := json.Unmarshal(data, &bars); err == nil {
			if c.mets != nil {
				c.mets.CacheHits.Inc()
			}
			return bars, nil
		}
		// Corrupt entry — drop it and refetch.
		c.rdb.Del(ctx, key)
	}

	if c.mets != nil {
		c.mets.CacheMisses.Inc()
	}

	bars, err := c.inner.FetchBars(ctx, q)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bars); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("[rediscache] set %s failed: %v", key, err)
		}
	}
	return bars, nil
}

// cacheKey is fully determined by the query, so identical INIT windows share
// one entry across sessions.
func cacheKey(q store.Query) string {
	return fmt.Sprintf("bars:%s:%s:%s:%d:%d:%d",
		q.Symbol, q.Timeframe, q.DatasetID, q.From, q.To, q.Limit)
}
