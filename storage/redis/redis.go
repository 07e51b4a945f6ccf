// Package redis provides a Redis implementation of the gateway.Storage
// interface. The quota ledger uses a Lua script so the read-modify-write is
// serialised by the server and concurrent gateway replicas cannot slip past
// the monthly ceiling. Cache entries carry both a stored expiry and a Redis
// key TTL; the TTL is the background reaper, the stored expiry is what
// readers trust.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hellomira/aviation-gateway/pkg/gateway"
)

// Store implements gateway.Storage using Redis.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	reserve *redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gateway:").
	KeyPrefix string
}

// reserveScript atomically applies the monthly quota algorithm: reset the
// counter when the stored month tag differs, refuse without writing at the
// ceiling, otherwise increment. Month and timestamp come from the caller so
// the script stays deterministic.
const reserveScript = `
local key = KEYS[1]
local month = ARGV[1]
local ceiling = tonumber(ARGV[2])
local now = ARGV[3]

local count = 0
if redis.call('HGET', key, 'month') == month then
	local stored = redis.call('HGET', key, 'count')
	if stored then
		count = tonumber(stored)
	end
end

if count >= ceiling then
	return {count, 'quota_exceeded'}
end

count = count + 1
redis.call('HSET', key, 'month', month)
redis.call('HSET', key, 'count', count)
redis.call('HSET', key, 'max_calls', ceiling)
redis.call('HSET', key, 'updated_at', now)
return {count, 'ok'}
`

// New creates a Redis store adapter. The client can be *redis.Client,
// *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gateway:"
	}

	return &Store{
		client:  client,
		prefix:  config.KeyPrefix,
		reserve: redis.NewScript(reserveScript),
	}, nil
}

// Open connects to the Redis URI and returns a store adapter.
func Open(uri string, config Config) (*Store, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), config)
}

type cacheDoc struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CacheGet implements gateway.Storage.
func (s *Store) CacheGet(ctx context.Context, key string) (*gateway.CacheEntry, error) {
	raw, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("cache get", err)
	}

	var doc cacheDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &gateway.CacheEntry{
		Key:       key,
		Data:      doc.Data,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}

// CachePut implements gateway.Storage. The key TTL matches the stored expiry
// so Redis reaps stale entries on its own.
func (s *Store) CachePut(ctx context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	doc := cacheDoc{
		Data:      payload,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.cacheKey(key), raw, ttl).Err(); err != nil {
		return storeErr("cache put", err)
	}
	return nil
}

// QuotaReserve implements gateway.Storage via the reserve Lua script.
func (s *Store) QuotaReserve(ctx context.Context, month string, ceiling int) (int, error) {
	result, err := s.reserve.Run(
		ctx,
		s.client,
		[]string{s.quotaKey()},
		month,
		ceiling,
		time.Now().UTC().Format(time.RFC3339),
	).Result()
	if err != nil {
		return 0, storeErr("quota reserve", err)
	}

	count, status, err := parseReserveResult(result)
	if err != nil {
		return 0, err
	}
	if status == "quota_exceeded" {
		return count, gateway.ErrQuotaExceeded
	}
	return count, nil
}

// QuotaUsage implements gateway.Storage.
func (s *Store) QuotaUsage(ctx context.Context, month string) (int, error) {
	fields, err := s.client.HMGet(ctx, s.quotaKey(), "month", "count").Result()
	if err != nil {
		return 0, storeErr("quota usage", err)
	}

	storedMonth, _ := fields[0].(string)
	if storedMonth != month {
		return 0, nil
	}
	rawCount, _ := fields[1].(string)
	if rawCount == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(rawCount)
	if err != nil {
		return 0, fmt.Errorf("decode quota count: %w", err)
	}
	return count, nil
}

// HistoryUpsert implements gateway.Storage. The per-flight sorted set indexes
// dates for range queries; the document itself lives under its own key.
func (s *Store) HistoryUpsert(ctx context.Context, rec *gateway.FlightRecord) error {
	if rec == nil || rec.FlightIATA == "" || rec.FlightDate == "" {
		return fmt.Errorf("flight record requires flight_iata and flight_date")
	}

	score, err := dateScore(rec.FlightDate)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode flight record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.historyIndexKey(rec.FlightIATA), redis.Z{Score: score, Member: rec.FlightDate})
	pipe.Set(ctx, s.historyDocKey(rec.FlightIATA, rec.FlightDate), raw, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("history upsert", err)
	}
	return nil
}

// HistoryQuery implements gateway.Storage, returning records ordered by
// flight_date ascending.
func (s *Store) HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]*gateway.FlightRecord, error) {
	minScore, err := dateScore(startDate)
	if err != nil {
		return nil, err
	}
	maxScore, err := dateScore(endDate)
	if err != nil {
		return nil, err
	}

	dates, err := s.client.ZRangeByScore(ctx, s.historyIndexKey(flightIATA), &redis.ZRangeBy{
		Min: strconv.FormatFloat(minScore, 'f', -1, 64),
		Max: strconv.FormatFloat(maxScore, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, storeErr("history query", err)
	}
	if len(dates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(dates))
	for i, date := range dates {
		keys[i] = s.historyDocKey(flightIATA, date)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("history query", err)
	}

	records := make([]*gateway.FlightRecord, 0, len(docs))
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var rec gateway.FlightRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode flight record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Ping implements gateway.Storage.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements gateway.Storage.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

func (s *Store) quotaKey() string {
	return s.prefix + "quota:" + gateway.QuotaKey
}

func (s *Store) historyIndexKey(flightIATA string) string {
	return s.prefix + "history:" + flightIATA
}

func (s *Store) historyDocKey(flightIATA, date string) string {
	return s.prefix + "history:" + flightIATA + ":" + date
}

// dateScore maps a YYYY-MM-DD string onto a numeric sorted-set score that
// preserves chronological order.
func dateScore(date string) (float64, error) {
	digits := strings.ReplaceAll(date, "-", "")
	n, err := strconv.Atoi(digits)
	if err != nil || len(digits) != 8 {
		return 0, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	return float64(n), nil
}

func parseReserveResult(result interface{}) (count int, status string, err error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) != 2 {
		return 0, "", fmt.Errorf("unexpected reserve script result format")
	}
	n, ok := slice[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("failed to parse reserved count")
	}
	status, ok = slice[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("failed to parse reserve status")
	}
	return int(n), status, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", gateway.ErrStoreUnavailable, op, err)
}
