// Package firestore provides a Firestore implementation of the
// gateway.Storage interface. The quota ledger is updated inside a Firestore
// transaction, which gives the compare-and-set semantics the monthly ceiling
// needs across replicas.
//
// Background cache expiry relies on a TTL policy configured on the cache
// collection's expires_at field; readers never trust the reaper and re-check
// the stored expiry themselves. History range queries need a composite index
// on (flight_iata, flight_date).
package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hellomira/aviation-gateway/pkg/gateway"
)

// Store implements gateway.Storage using Google Cloud Firestore.
type Store struct {
	client     *firestore.Client
	cacheCol   string
	quotaCol   string
	historyCol string
}

// Config holds Firestore store configuration.
type Config struct {
	// CacheCollection holds cached upstream payloads.
	// Default: "gateway_cache".
	CacheCollection string

	// QuotaCollection holds the monthly ledger singleton.
	// Default: "api_rate_limit".
	QuotaCollection string

	// HistoryCollection holds per-flight per-date documents.
	// Default: "flight_history".
	HistoryCollection string
}

// New creates a Firestore store adapter.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.CacheCollection == "" {
		config.CacheCollection = "gateway_cache"
	}
	if config.QuotaCollection == "" {
		config.QuotaCollection = "api_rate_limit"
	}
	if config.HistoryCollection == "" {
		config.HistoryCollection = "flight_history"
	}

	return &Store{
		client:     client,
		cacheCol:   config.CacheCollection,
		quotaCol:   config.QuotaCollection,
		historyCol: config.HistoryCollection,
	}, nil
}

// CacheGet implements gateway.Storage.
func (s *Store) CacheGet(ctx context.Context, key string) (*gateway.CacheEntry, error) {
	snap, err := s.client.Collection(s.cacheCol).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("cache get", err)
	}

	data := snap.Data()
	return &gateway.CacheEntry{
		Key:       key,
		Data:      getBytes(data, "data"),
		CreatedAt: getTime(data, "created_at"),
		ExpiresAt: getTime(data, "expires_at"),
	}, nil
}

// CachePut implements gateway.Storage.
func (s *Store) CachePut(ctx context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	_, err := s.client.Collection(s.cacheCol).Doc(key).Set(ctx, map[string]interface{}{
		"data":       []byte(payload),
		"created_at": time.Now().UTC(),
		"expires_at": expiresAt.UTC(),
	})
	if err != nil {
		return storeErr("cache put", err)
	}
	return nil
}

// QuotaReserve implements gateway.Storage. The transaction re-reads the
// ledger, so two replicas racing past the ceiling cannot both commit.
func (s *Store) QuotaReserve(ctx context.Context, month string, ceiling int) (int, error) {
	doc := s.client.Collection(s.quotaCol).Doc(gateway.QuotaKey)
	var newCount int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		count := 0
		if err == nil && snap.Exists() {
			data := snap.Data()
			if getString(data, "month") == month {
				count = getInt(data, "count")
			}
		}

		if count >= ceiling {
			newCount = count
			return gateway.ErrQuotaExceeded
		}

		newCount = count + 1
		return tx.Set(doc, map[string]interface{}{
			"month":      month,
			"count":      newCount,
			"max_calls":  ceiling,
			"updated_at": time.Now().UTC(),
		})
	})
	if err != nil {
		if err == gateway.ErrQuotaExceeded {
			return newCount, gateway.ErrQuotaExceeded
		}
		return 0, storeErr("quota reserve", err)
	}
	return newCount, nil
}

// QuotaUsage implements gateway.Storage.
func (s *Store) QuotaUsage(ctx context.Context, month string) (int, error) {
	snap, err := s.client.Collection(s.quotaCol).Doc(gateway.QuotaKey).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("quota usage", err)
	}

	data := snap.Data()
	if getString(data, "month") != month {
		return 0, nil
	}
	return getInt(data, "count"), nil
}

// HistoryUpsert implements gateway.Storage. The composite document id makes
// (flight_iata, flight_date) unique; Set gives replace-on-write semantics.
func (s *Store) HistoryUpsert(ctx context.Context, rec *gateway.FlightRecord) error {
	if rec == nil || rec.FlightIATA == "" || rec.FlightDate == "" {
		return fmt.Errorf("flight record requires flight_iata and flight_date")
	}

	id := rec.FlightIATA + "_" + rec.FlightDate
	_, err := s.client.Collection(s.historyCol).Doc(id).Set(ctx, map[string]interface{}{
		"flight_iata": rec.FlightIATA,
		"flight_date": rec.FlightDate,
		"data":        []byte(rec.Data),
		"queried_at":  rec.QueriedAt.UTC(),
	})
	if err != nil {
		return storeErr("history upsert", err)
	}
	return nil
}

// HistoryQuery implements gateway.Storage. Date strings sort
// lexicographically in chronological order, so range filters work directly.
func (s *Store) HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]*gateway.FlightRecord, error) {
	iter := s.client.Collection(s.historyCol).
		Where("flight_iata", "==", flightIATA).
		Where("flight_date", ">=", startDate).
		Where("flight_date", "<=", endDate).
		OrderBy("flight_date", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []*gateway.FlightRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storeErr("history query", err)
		}

		data := snap.Data()
		records = append(records, &gateway.FlightRecord{
			FlightIATA: getString(data, "flight_iata"),
			FlightDate: getString(data, "flight_date"),
			Data:       getBytes(data, "data"),
			QueriedAt:  getTime(data, "queried_at"),
		})
	}
	return records, nil
}

// Ping implements gateway.Storage by reading the ledger document; a missing
// document is fine, an unreachable backend is not.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.quotaCol).Doc(gateway.QuotaKey).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements gateway.Storage.
func (s *Store) Close() error {
	return s.client.Close()
}

func getString(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	if v, ok := data[key].(int64); ok {
		return int(v)
	}
	if v, ok := data[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	v, _ := data[key].(time.Time)
	return v
}

func getBytes(data map[string]interface{}, key string) []byte {
	v, _ := data[key].([]byte)
	return v
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", gateway.ErrStoreUnavailable, op, err)
}
