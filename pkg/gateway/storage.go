package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// QuotaKey is the id of the singleton ledger document shared by all gateway
// replicas.
const QuotaKey = "aviationstack_api_calls"

// CacheEntry is a cached upstream payload with its expiry.
type CacheEntry struct {
	Key       string
	Data      json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// FlightRecord is one flight document in the history collection, keyed by
// (flight_iata, flight_date).
type FlightRecord struct {
	FlightIATA string          `json:"flight_iata"`
	FlightDate string          `json:"flight_date"`
	Data       json.RawMessage `json:"data"`
	QueriedAt  time.Time       `json:"queried_at"`
}

// Storage defines the durable store shared by all gateway replicas: the
// response cache, the monthly quota ledger and the flight history collection.
//
// Implementations map transport errors and timeouts to ErrStoreUnavailable.
// CacheGet returns (nil, nil) for an absent key; expiry is still re-checked
// by the caller because background reaping is only eventual.
type Storage interface {
	// CacheGet returns the entry stored under key, or nil when absent.
	CacheGet(ctx context.Context, key string) (*CacheEntry, error)

	// CachePut upserts the payload under key with the given expiry.
	CachePut(ctx context.Context, key string, payload json.RawMessage, expiresAt time.Time) error

	// QuotaReserve atomically increments the monthly counter and returns the
	// new count. A stored month tag different from month means the ledger is
	// reset before incrementing. Returns ErrQuotaExceeded, without writing,
	// when the counter has reached ceiling. The read-modify-write is
	// serialised by the store so concurrent replicas cannot slip past the
	// ceiling.
	QuotaReserve(ctx context.Context, month string, ceiling int) (int, error)

	// QuotaUsage returns the counter for month; a stored month tag different
	// from month reads as zero.
	QuotaUsage(ctx context.Context, month string) (int, error)

	// HistoryUpsert stores rec, replacing any document with the same
	// (flight_iata, flight_date).
	HistoryUpsert(ctx context.Context, rec *FlightRecord) error

	// HistoryQuery returns the records for flightIATA with
	// startDate <= flight_date <= endDate, ordered by flight_date ascending.
	// Dates are YYYY-MM-DD strings.
	HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]*FlightRecord, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}
