package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Upstream issues calls to the aviation data provider through the full
// traffic-shaping stack. The composition order is fixed:
//
//	cache lookup -> breaker admission -> coalescer -> quota reserve ->
//	HTTP call -> breaker outcome -> cache store
//
// A cache hit spends no quota and never consults the breaker. An open breaker
// spends no quota. Coalesced followers inherit the leader's outcome, so N
// simultaneous identical requests cost one quota unit.
type Upstream struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	cache     *ResponseCache
	quota     *QuotaLedger
	breaker   *CircuitBreaker
	coalescer *Coalescer
	metrics   *Metrics
	log       zerolog.Logger
}

// NewUpstream creates the upstream caller with one long-lived pooled HTTP
// client bounded by timeout.
func NewUpstream(baseURL, apiKey string, timeout time.Duration, cache *ResponseCache,
	quota *QuotaLedger, breaker *CircuitBreaker, coalescer *Coalescer,
	metrics *Metrics, log zerolog.Logger) *Upstream {
	return &Upstream{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		cache:      cache,
		quota:      quota,
		breaker:    breaker,
		coalescer:  coalescer,
		metrics:    metrics,
		log:        log.With().Str("component", "upstream").Logger(),
	}
}

// Call proxies one request to the provider. endpoint is the provider path
// ("airports", "flights"); params are the already-validated query parameters,
// without the API key.
func (u *Upstream) Call(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	key := CacheKey(endpoint, params)

	if payload, ok := u.cache.Get(ctx, key); ok {
		u.metrics.CacheHit(endpoint)
		u.log.Debug().Str("cache_key", key).Msg("cache hit")
		return payload, nil
	}
	u.metrics.CacheMiss(endpoint)

	if !u.breaker.CanExecute() {
		u.log.Warn().
			Str("cache_key", key).
			Str("breaker_state", u.breaker.State().String()).
			Msg("circuit open, rejecting request")
		return nil, ErrBreakerOpen
	}

	payload, follower, err := u.coalescer.Execute(ctx, key, func(flightCtx context.Context) (json.RawMessage, error) {
		return u.fetch(flightCtx, endpoint, params, key)
	})
	if follower {
		u.metrics.CoalescedRequest(endpoint)
		u.log.Debug().Str("cache_key", key).Msg("request coalesced")
	}
	return payload, err
}

// fetch is the leader path: reserve quota, call the provider, record the
// breaker outcome and populate the cache. Only upstream failures move the
// breaker; quota refusals and store outages do not.
func (u *Upstream) fetch(ctx context.Context, endpoint string, params url.Values, key string) (json.RawMessage, error) {
	snap, err := u.quota.Reserve(ctx)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			u.metrics.APICall(endpoint, CallStatusRateLimited)
			u.metrics.SetRateLimit(snap.Used, snap.Remaining)
			u.log.Warn().
				Str("cache_key", key).
				Int("quota_used", snap.Used).
				Int("quota_limit", snap.Limit).
				Msg("monthly quota exceeded")
		}
		return nil, err
	}
	u.metrics.SetRateLimit(snap.Used, snap.Remaining)

	query := url.Values{}
	for name, values := range params {
		query[name] = values
	}
	query.Set("access_key", u.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		u.baseURL+"/"+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstreamFailure, err)
	}

	u.log.Info().
		Str("endpoint", endpoint).
		Str("params", params.Encode()).
		Int("quota_used", snap.Used).
		Msg("calling upstream")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, u.fail(endpoint, key, fmt.Errorf("%w: %v", ErrUpstreamFailure, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, u.fail(endpoint, key, fmt.Errorf("%w: read body: %v", ErrUpstreamFailure, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 5xx and 429 mean the provider is unhealthy or throttling us;
		// other 4xx reflect the caller's input and leave the breaker alone.
		status := CallStatusError
		if resp.StatusCode == http.StatusTooManyRequests {
			status = CallStatusRateLimited
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			u.breaker.RecordFailure()
		}
		u.metrics.APICall(endpoint, status)
		u.log.Error().
			Str("cache_key", key).
			Int("upstream_status", resp.StatusCode).
			Msg("upstream returned non-2xx")
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}

	if !json.Valid(body) {
		return nil, u.fail(endpoint, key, fmt.Errorf("%w: non-JSON response body", ErrUpstreamFailure))
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && isPresent(envelope.Error) {
		return nil, u.fail(endpoint, key,
			fmt.Errorf("%w: upstream error envelope: %s", ErrUpstreamFailure, envelope.Error))
	}

	u.breaker.RecordSuccess()
	u.cache.Put(ctx, key, body)
	u.metrics.APICall(endpoint, CallStatusSuccess)
	u.log.Info().Str("endpoint", endpoint).Int("bytes", len(body)).Msg("upstream success")
	return body, nil
}

func (u *Upstream) fail(endpoint, key string, err error) error {
	u.breaker.RecordFailure()
	u.metrics.APICall(endpoint, CallStatusError)
	u.log.Error().Err(err).Str("cache_key", key).Msg("upstream call failed")
	return err
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
