package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeStore is an in-memory Storage for the package tests, with switches to
// simulate an unreachable backend per concern.
type fakeStore struct {
	mu sync.Mutex

	cache      map[string]*CacheEntry
	quotaMonth string
	quotaCount int
	history    map[string]map[string]*FlightRecord

	failCache   bool
	failQuota   bool
	failHistory bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cache:   make(map[string]*CacheEntry),
		history: make(map[string]map[string]*FlightRecord),
	}
}

func (s *fakeStore) CacheGet(_ context.Context, key string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCache {
		return nil, fmt.Errorf("%w: cache get", ErrStoreUnavailable)
	}
	entry, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	entryCopy := *entry
	return &entryCopy, nil
}

func (s *fakeStore) CachePut(_ context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCache {
		return fmt.Errorf("%w: cache put", ErrStoreUnavailable)
	}
	s.cache[key] = &CacheEntry{
		Key:       key,
		Data:      append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	return nil
}

func (s *fakeStore) QuotaReserve(_ context.Context, month string, ceiling int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQuota {
		return 0, fmt.Errorf("%w: quota reserve", ErrStoreUnavailable)
	}
	if s.quotaMonth != month {
		s.quotaMonth = month
		s.quotaCount = 0
	}
	if s.quotaCount >= ceiling {
		return s.quotaCount, ErrQuotaExceeded
	}
	s.quotaCount++
	return s.quotaCount, nil
}

func (s *fakeStore) QuotaUsage(_ context.Context, month string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQuota {
		return 0, fmt.Errorf("%w: quota usage", ErrStoreUnavailable)
	}
	if s.quotaMonth != month {
		return 0, nil
	}
	return s.quotaCount, nil
}

func (s *fakeStore) setQuota(month string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaMonth = month
	s.quotaCount = count
}

func (s *fakeStore) HistoryUpsert(_ context.Context, rec *FlightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistory {
		return fmt.Errorf("%w: history upsert", ErrStoreUnavailable)
	}
	byDate, ok := s.history[rec.FlightIATA]
	if !ok {
		byDate = make(map[string]*FlightRecord)
		s.history[rec.FlightIATA] = byDate
	}
	recCopy := *rec
	byDate[rec.FlightDate] = &recCopy
	return nil
}

func (s *fakeStore) HistoryQuery(_ context.Context, flightIATA, startDate, endDate string) ([]*FlightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistory {
		return nil, fmt.Errorf("%w: history query", ErrStoreUnavailable)
	}
	var records []*FlightRecord
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

func (s *fakeStore) historyCount(flightIATA string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[flightIATA])
}

func (s *fakeStore) Ping(_ context.Context) error { return nil }
func (s *fakeStore) Close() error                 { return nil }
