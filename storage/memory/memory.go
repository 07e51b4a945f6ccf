// Package memory provides an in-memory implementation of the gateway.Storage
// interface, intended for testing and local development. State is
// process-local, so the monthly ceiling is only enforced within one replica.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hellomira/aviation-gateway/pkg/gateway"
)

// Store implements gateway.Storage using in-memory maps.
type Store struct {
	mu sync.Mutex

	cache      map[string]*gateway.CacheEntry
	quotaMonth string
	quotaCount int
	history    map[string]map[string]*gateway.FlightRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		cache:   make(map[string]*gateway.CacheEntry),
		history: make(map[string]map[string]*gateway.FlightRecord),
	}
}

// CacheGet implements gateway.Storage. Expired entries are reaped here,
// standing in for the durable stores' background expiry.
func (s *Store) CacheGet(_ context.Context, key string) (*gateway.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	if !entry.ExpiresAt.After(time.Now()) {
		delete(s.cache, key)
		return nil, nil
	}
	entryCopy := *entry
	return &entryCopy, nil
}

// CachePut implements gateway.Storage.
func (s *Store) CachePut(_ context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = &gateway.CacheEntry{
		Key:       key,
		Data:      append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	return nil
}

// QuotaReserve implements gateway.Storage. The mutex serialises the
// read-modify-write within this process.
func (s *Store) QuotaReserve(_ context.Context, month string, ceiling int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaMonth != month {
		s.quotaMonth = month
		s.quotaCount = 0
	}
	if s.quotaCount >= ceiling {
		return s.quotaCount, gateway.ErrQuotaExceeded
	}
	s.quotaCount++
	return s.quotaCount, nil
}

// QuotaUsage implements gateway.Storage.
func (s *Store) QuotaUsage(_ context.Context, month string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaMonth != month {
		return 0, nil
	}
	return s.quotaCount, nil
}

// SetQuota seeds the ledger; tests use it to exercise ceiling and rollover
// boundaries.
func (s *Store) SetQuota(month string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaMonth = month
	s.quotaCount = count
}

// HistoryUpsert implements gateway.Storage.
func (s *Store) HistoryUpsert(_ context.Context, rec *gateway.FlightRecord) error {
	if rec == nil || rec.FlightIATA == "" || rec.FlightDate == "" {
		return fmt.Errorf("flight record requires flight_iata and flight_date")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.history[rec.FlightIATA]
	if !ok {
		byDate = make(map[string]*gateway.FlightRecord)
		s.history[rec.FlightIATA] = byDate
	}
	recCopy := *rec
	byDate[rec.FlightDate] = &recCopy
	return nil
}

// HistoryQuery implements gateway.Storage.
func (s *Store) HistoryQuery(_ context.Context, flightIATA, startDate, endDate string) ([]*gateway.FlightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*gateway.FlightRecord
	for date, rec := range s.history[flightIATA] {
		if date >= startDate && date <= endDate {
			recCopy := *rec
			records = append(records, &recCopy)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FlightDate < records[j].FlightDate
	})
	return records, nil
}

// Ping implements gateway.Storage.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close implements gateway.Storage.
func (s *Store) Close() error {
	return nil
}
