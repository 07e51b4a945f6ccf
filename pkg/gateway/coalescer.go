package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CoalescerStats is a point-in-time snapshot for /stats.
type CoalescerStats struct {
	TotalRequests     int64  `json:"total_requests"`
	CoalescedRequests int64  `json:"coalesced_requests"`
	ActualCalls       int64  `json:"actual_api_calls"`
	SavingsRate       string `json:"savings_rate"`
	InFlight          int    `json:"in_flight"`
}

// Coalescer deduplicates concurrent identical upstream calls within one
// process. The first caller for a key leads and runs the computation; callers
// arriving while it is unsettled share its result. The in-flight entry is
// dropped as soon as the result settles, so the next arrival starts fresh.
//
// The computation runs on a context detached from the initiating request:
// waiters that give up stop observing, but the flight always settles and its
// result stays available to the remaining waiters and the cache.
type Coalescer struct {
	group singleflight.Group

	mu       sync.Mutex
	total    int64
	shared   int64
	inFlight int
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Execute runs fn under key, collapsing concurrent identical calls into one
// execution. The returned follower flag is true when this caller joined an
// existing flight instead of leading one. When ctx ends before the flight
// settles, Execute returns ctx.Err() and the flight continues for the other
// waiters.
func (c *Coalescer) Execute(ctx context.Context, key string,
	fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {

	c.mu.Lock()
	c.total++
	c.mu.Unlock()

	var led atomic.Bool
	flightCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		led.Store(true)
		c.mu.Lock()
		c.inFlight++
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.inFlight--
			c.mu.Unlock()
		}()
		return fn(flightCtx)
	})

	select {
	case res := <-ch:
		follower := !led.Load()
		if follower {
			c.recordShared()
		}
		if res.Err != nil {
			return nil, follower, res.Err
		}
		payload, ok := res.Val.(json.RawMessage)
		if !ok {
			return nil, follower, fmt.Errorf("unexpected coalesced result type %T", res.Val)
		}
		return payload, follower, nil
	case <-ctx.Done():
		follower := !led.Load()
		if follower {
			c.recordShared()
		}
		return nil, follower, ctx.Err()
	}
}

// Stats returns a snapshot for the /stats endpoint.
func (c *Coalescer) Stats() CoalescerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 0.0
	if c.total > 0 {
		rate = float64(c.shared) / float64(c.total) * 100
	}
	return CoalescerStats{
		TotalRequests:     c.total,
		CoalescedRequests: c.shared,
		ActualCalls:       c.total - c.shared,
		SavingsRate:       fmt.Sprintf("%.1f%%", rate),
		InFlight:          c.inFlight,
	}
}

func (c *Coalescer) recordShared() {
	c.mu.Lock()
	c.shared++
	c.mu.Unlock()
}
