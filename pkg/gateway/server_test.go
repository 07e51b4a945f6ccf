package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(providerURL string) (*Server, *testStack) {
	stack := newTestStack(providerURL, 100)
	srv := NewServer(stack.upstream, stack.cache, stack.quota, stack.breaker,
		stack.coalescer, stack.store, stack.metrics, stack.registry,
		30*time.Second, zerolog.Nop())
	return srv, stack
}

func doGet(srv *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRootBanner(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Aviationstack Gateway", body["service"])
	assert.Equal(t, "running", body["status"])
}

func TestHealthHealthy(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "closed", body["circuit_breaker"])
	assert.Equal(t, "enabled", body["cache"])
	require.NotNil(t, body["rate_limit"])
	rateLimit := body["rate_limit"].(map[string]interface{})
	assert.Equal(t, float64(100), rateLimit["limit"])
}

func TestHealthDegradedWhenCircuitOpen(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	for i := 0; i < 5; i++ {
		stack.breaker.RecordFailure()
	}

	rec := doGet(srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "open", body["circuit_breaker"])
}

func TestHealthSurvivesStoreOutage(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	stack.store.failQuota = true

	rec := doGet(srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "health never depends on the store")
	body := decodeBody(t, rec)
	assert.Nil(t, body["rate_limit"])
}

func TestStatsShape(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	for _, section := range []string{"circuit_breaker", "request_coalescer", "cache", "rate_limit"} {
		assert.Contains(t, body, section)
	}
	breaker := body["circuit_breaker"].(map[string]interface{})
	assert.Equal(t, "closed", breaker["state"])
	cache := body["cache"].(map[string]interface{})
	assert.Equal(t, true, cache["enabled"])
}

func TestUsageEndpoint(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	stack.store.setQuota(MonthKey(time.Now()), 25)

	rec := doGet(srv, "/usage")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(25), body["used"])
	assert.Equal(t, float64(100), body["limit"])
	assert.Equal(t, float64(75), body["remaining"])
	assert.Equal(t, float64(25), body["percentage"])
	assert.Contains(t, body, "reset_date")
}

func TestUsageStoreOutage(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	stack.store.failQuota = true

	rec := doGet(srv, "/usage")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "store_unavailable", body["error"])
}

func TestAirportsProxiesUpstream(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/airports", r.URL.Path)
		assert.Equal(t, "LAX", r.URL.Query().Get("iata_code"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"data":[{"iata_code":"LAX"}]}`))
	}))
	defer provider.Close()
	srv, _ := newTestServer(provider.URL)

	rec := doGet(srv, "/airports?iata_code=lax&limit=50")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"iata_code":"LAX"}]}`, rec.Body.String())
}

func TestAirportsRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/airports?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_parameter", body["error"])
}

func TestFlightsNormalizesParameters(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/flights", r.URL.Path)
		assert.Equal(t, "AA100", r.URL.Query().Get("flight_iata"))
		assert.Equal(t, "active", r.URL.Query().Get("flight_status"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer provider.Close()
	srv, _ := newTestServer(provider.URL)

	rec := doGet(srv, "/flights?flight_iata=aa100&flight_status=ACTIVE")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlightsRejectsBadDate(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/flights?flight_date=06-15-2025")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_parameter", body["error"])
}

func TestFlightsQuotaExceededMapsTo429(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	stack.store.setQuota(MonthKey(time.Now()), 100)

	rec := doGet(srv, "/flights?flight_iata=AA100")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "quota_exceeded", body["error"])
}

func TestOpenCircuitMapsTo503WithRetryHint(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	for i := 0; i < 5; i++ {
		stack.breaker.RecordFailure()
	}

	rec := doGet(srv, "/airports")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "circuit_open", body["error"])
	assert.Contains(t, body["detail"], "retry after")
}

func TestUpstreamErrorPassesThroughVerbatim(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"invalid_access_key"}}`))
	}))
	defer provider.Close()
	srv, _ := newTestServer(provider.URL)

	rec := doGet(srv, "/airports")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"invalid_access_key"}}`, rec.Body.String())
}

func TestFlightsWriteThroughToHistory(t *testing.T) {
	payload := `{"data":[
		{"flight_date":"2025-06-15","flight":{"iata":"AA100"},"flight_status":"landed"},
		{"flight_date":"2025-06-15","flight":{"iata":"UA7"},"flight_status":"active"},
		{"flight_date":"bad-date","flight":{"iata":"DL2"}},
		{"flight_date":"2025-06-15","flight":{}}
	]}`
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer provider.Close()
	srv, stack := newTestServer(provider.URL)

	rec := doGet(srv, "/flights?flight_iata=AA100")
	require.Equal(t, http.StatusOK, rec.Code)

	// The write-through runs after the response is served.
	require.Eventually(t, func() bool {
		return stack.store.historyCount("AA100") == 1 && stack.store.historyCount("UA7") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, stack.store.historyCount("DL2"), "records without a valid date are skipped")

	assert.Equal(t, 2.0, metricValue(t, stack.registry, "gateway_flights_stored_total", nil))
}

func TestHistoryEndpoint(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	for _, date := range []string{"2025-06-10", "2025-06-12", "2025-06-14"} {
		require.NoError(t, stack.store.HistoryUpsert(context.Background(), &FlightRecord{
			FlightIATA: "AA100",
			FlightDate: date,
			Data:       json.RawMessage(`{"flight_date":"` + date + `"}`),
			QueriedAt:  time.Now().UTC(),
		}))
	}

	rec := doGet(srv, "/history?flight_iata=aa100&start_date=2025-06-11&end_date=2025-06-14")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "AA100", body["flight_iata"])
	assert.Equal(t, float64(2), body["count"])
	docs := body["data"].([]interface{})
	require.Len(t, docs, 2)
	first := docs[0].(map[string]interface{})
	assert.Equal(t, "2025-06-12", first["flight_date"])
}

func TestHistoryRequiresFlightIATA(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/history")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryRejectsInvertedRange(t *testing.T) {
	srv, _ := newTestServer("http://unused")

	rec := doGet(srv, "/history?flight_iata=AA100&start_date=2025-06-20&end_date=2025-06-10")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryDefaultsToLastWeek(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	today := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, stack.store.HistoryUpsert(context.Background(), &FlightRecord{
		FlightIATA: "AA100",
		FlightDate: today,
		Data:       json.RawMessage(`{}`),
		QueriedAt:  time.Now().UTC(),
	}))

	rec := doGet(srv, "/history?flight_iata=AA100")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, today, body["end_date"])
	assert.Equal(t, float64(1), body["count"])
}

func TestMetricsEndpointExposition(t *testing.T) {
	srv, stack := newTestServer("http://unused")
	stack.metrics.SetBreakerState(BreakerClosed)

	rec := doGet(srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_circuit_breaker_state")
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"empty defaults", "", 100, false},
		{"in range", "42", 42, false},
		{"clamped low", "0", 1, false},
		{"clamped high", "500", 100, false},
		{"not an integer", "abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLimit(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
