package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthKey(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"mid month", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC), "2025-06"},
		{"first instant", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "2025-01"},
		{"last instant", time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), "2025-12"},
		{"converts to UTC", time.Date(2025, 7, 1, 0, 30, 0, 0, time.FixedZone("plus2", 2*3600)), "2025-06"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthKey(tt.t))
		})
	}
}

func TestNextMonthStart(t *testing.T) {
	assert.Equal(t,
		time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		NextMonthStart(time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NextMonthStart(time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)))
}

func newTestLedger(store Storage, ceiling int, at time.Time) *QuotaLedger {
	ledger := NewQuotaLedger(store, ceiling, zerolog.Nop())
	ledger.now = func() time.Time { return at }
	return ledger
}

func TestQuotaReserveConsumesBudget(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	ledger := newTestLedger(store, 10, at)

	snap, err := ledger.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-06", snap.Month)
	assert.Equal(t, 1, snap.Used)
	assert.Equal(t, 10, snap.Limit)
	assert.Equal(t, 9, snap.Remaining)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), snap.ResetDate)
	assert.InDelta(t, 10.0, snap.Percentage, 0.001)
}

func TestQuotaReserveRefusesAtCeiling(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	ledger := newTestLedger(store, 3, at)

	for i := 0; i < 3; i++ {
		_, err := ledger.Reserve(context.Background())
		require.NoError(t, err)
	}

	snap, err := ledger.Reserve(context.Background())
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 3, snap.Used, "refusal must not consume budget")
	assert.Equal(t, 0, snap.Remaining)

	// Still refused on retry; the counter never creeps past the ceiling.
	snap, err = ledger.Reserve(context.Background())
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 3, snap.Used)
}

func TestQuotaResetsOnMonthRollover(t *testing.T) {
	store := newFakeStore()
	store.setQuota("2025-06", 3)
	ledger := newTestLedger(store, 3, time.Date(2025, 7, 1, 0, 0, 1, 0, time.UTC))

	snap, err := ledger.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-07", snap.Month)
	assert.Equal(t, 1, snap.Used)
}

func TestQuotaUsageDoesNotConsume(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	ledger := newTestLedger(store, 10, at)

	_, err := ledger.Reserve(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snap, err := ledger.Usage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Used)
	}
}

func TestQuotaUsageEmptyLedger(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 10000, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	snap, err := ledger.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Used)
	assert.Equal(t, 10000, snap.Remaining)
	assert.InDelta(t, 0.0, snap.Percentage, 0.001)
}

func TestQuotaStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.failQuota = true
	ledger := newTestLedger(store, 10, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := ledger.Reserve(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = ledger.Usage(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
