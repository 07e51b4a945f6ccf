package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// CacheStats is a point-in-time snapshot for /stats.
type CacheStats struct {
	Enabled       bool   `json:"enabled"`
	TTLSeconds    int    `json:"ttl_seconds"`
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	TotalRequests int64  `json:"total_requests"`
	HitRate       string `json:"hit_rate"`
}

// CacheKey derives the canonical cache key for an upstream call.
// url.Values.Encode sorts by parameter name, so identical parameter sets
// produce byte-identical keys regardless of insertion order.
func CacheKey(endpoint string, params url.Values) string {
	return endpoint + ":" + params.Encode()
}

// ResponseCache fronts the durable store's cache collection with a single
// configured TTL. Store failures degrade to misses on read and are logged on
// write; the cache never fails a request on its own.
type ResponseCache struct {
	store Storage
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache creates a cache over store with the given TTL. A nil store
// disables caching; every Get is then a miss.
func NewResponseCache(store Storage, ttl time.Duration, log zerolog.Logger) *ResponseCache {
	return &ResponseCache{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "cache").Logger(),
		now:   time.Now,
	}
}

// Get returns the cached payload for key. The stored expiry is re-checked
// here: an entry at or past its expiry is a miss even if the store's
// background reaper has not deleted it yet.
func (c *ResponseCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.store == nil {
		c.misses.Add(1)
		return nil, false
	}

	entry, err := c.store.CacheGet(ctx, key)
	if err != nil {
		c.log.Error().Err(err).Str("cache_key", key).Msg("cache get failed")
		c.misses.Add(1)
		return nil, false
	}
	if entry == nil || !entry.ExpiresAt.After(c.now()) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Data, true
}

// Put stores payload under key with expiry now+TTL, unconditionally replacing
// any previous entry. Failures are logged; the payload is still served.
func (c *ResponseCache) Put(ctx context.Context, key string, payload json.RawMessage) {
	if c.store == nil {
		return
	}
	if err := c.store.CachePut(ctx, key, payload, c.now().Add(c.ttl)); err != nil {
		c.log.Error().Err(err).Str("cache_key", key).Msg("cache put failed")
	}
}

// Enabled reports whether a backing store is configured.
func (c *ResponseCache) Enabled() bool {
	return c.store != nil
}

// Stats returns a snapshot for the /stats endpoint.
func (c *ResponseCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	rate := "0.0%"
	if total > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(hits)/float64(total)*100)
	}
	return CacheStats{
		Enabled:       c.store != nil,
		TTLSeconds:    int(c.ttl.Seconds()),
		Hits:          hits,
		Misses:        misses,
		TotalRequests: total,
		HitRate:       rate,
	}
}
