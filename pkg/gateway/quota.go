package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// QuotaSnapshot describes the monthly ledger at a point in time.
type QuotaSnapshot struct {
	Month      string    `json:"month"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetDate  time.Time `json:"reset_date"`
	Percentage float64   `json:"percentage"`
}

// QuotaLedger enforces the hard monthly call budget against the shared
// store. The counter resets on the first of each month, matching the
// provider's billing cycle, and is serialised by the store so every replica
// respects the same ceiling.
type QuotaLedger struct {
	store   Storage
	ceiling int
	log     zerolog.Logger
	now     func() time.Time
}

// NewQuotaLedger creates a ledger with the given monthly ceiling.
func NewQuotaLedger(store Storage, ceiling int, log zerolog.Logger) *QuotaLedger {
	return &QuotaLedger{
		store:   store,
		ceiling: ceiling,
		log:     log.With().Str("component", "quota").Logger(),
		now:     time.Now,
	}
}

// Reserve consumes one call from the budget and returns the resulting
// snapshot. It returns ErrQuotaExceeded when the ceiling is reached (the
// ledger is left untouched) and ErrStoreUnavailable when the store cannot be
// reached (no counter is consumed).
func (l *QuotaLedger) Reserve(ctx context.Context) (QuotaSnapshot, error) {
	now := l.now().UTC()
	month := MonthKey(now)

	count, err := l.store.QuotaReserve(ctx, month, l.ceiling)
	snap := l.snapshot(month, count, now)
	if err != nil {
		return snap, err
	}
	l.log.Debug().
		Str("month", month).
		Int("used", snap.Used).
		Int("remaining", snap.Remaining).
		Msg("quota reserved")
	return snap, nil
}

// Usage returns the current snapshot without consuming budget.
func (l *QuotaLedger) Usage(ctx context.Context) (QuotaSnapshot, error) {
	now := l.now().UTC()
	month := MonthKey(now)

	count, err := l.store.QuotaUsage(ctx, month)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	return l.snapshot(month, count, now), nil
}

func (l *QuotaLedger) snapshot(month string, used int, now time.Time) QuotaSnapshot {
	remaining := l.ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaSnapshot{
		Month:      month,
		Used:       used,
		Limit:      l.ceiling,
		Remaining:  remaining,
		ResetDate:  NextMonthStart(now),
		Percentage: float64(used) / float64(l.ceiling) * 100,
	}
}

// MonthKey formats t's UTC calendar month as "YYYY-MM".
func MonthKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// NextMonthStart returns midnight UTC on the first of the month after t,
// the instant the ledger resets.
func NextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	year, month := t.Year(), t.Month()
	if month == time.December {
		return time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}
