package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	endpointAirports = "airports"
	endpointFlights  = "flights"

	defaultLimit = 100
	maxLimit     = 100
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Server is the gateway's HTTP surface: the two proxy endpoints plus the
// operational endpoints. Handler logic stays thin; all traffic shaping lives
// in Upstream.
type Server struct {
	upstream  *Upstream
	cache     *ResponseCache
	quota     *QuotaLedger
	breaker   *CircuitBreaker
	coalescer *Coalescer
	store     Storage
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	log       zerolog.Logger
	router    chi.Router

	// historyTimeout bounds the background write-through of flight
	// documents after the response has been served.
	historyTimeout time.Duration
}

// NewServer builds the router. gatherer backs /metrics.
func NewServer(upstream *Upstream, cache *ResponseCache, quota *QuotaLedger,
	breaker *CircuitBreaker, coalescer *Coalescer, store Storage,
	metrics *Metrics, gatherer prometheus.Gatherer, requestTimeout time.Duration,
	log zerolog.Logger) *Server {

	s := &Server{
		upstream:       upstream,
		cache:          cache,
		quota:          quota,
		breaker:        breaker,
		coalescer:      coalescer,
		store:          store,
		metrics:        metrics,
		gatherer:       gatherer,
		log:            log.With().Str("component", "server").Logger(),
		historyTimeout: 10 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.accessLog)

	r.Method(http.MethodGet, "/", s.instrumented("root", s.handleRoot))
	r.Method(http.MethodGet, "/health", s.instrumented("health", s.handleHealth))
	r.Method(http.MethodGet, "/stats", s.instrumented("stats", s.handleStats))
	r.Method(http.MethodGet, "/usage", s.instrumented("usage", s.handleUsage))
	r.Method(http.MethodGet, "/airports", s.instrumented("airports", s.handleAirports))
	r.Method(http.MethodGet, "/flights", s.instrumented("flights", s.handleFlights))
	r.Method(http.MethodGet, "/history", s.instrumented("history", s.handleHistory))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) instrumented(name string, h http.HandlerFunc) http.Handler {
	return s.metrics.InstrumentHandler(name, h)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "Aviationstack Gateway",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.breaker.State()
	s.metrics.SetBreakerState(state)

	status := "healthy"
	if state == BreakerOpen {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":          status,
		"circuit_breaker": state.String(),
		"cache":           cacheFlag(s.cache.Enabled()),
	}
	if snap, err := s.quota.Usage(r.Context()); err == nil {
		s.metrics.SetRateLimit(snap.Used, snap.Remaining)
		resp["rate_limit"] = snap
	} else {
		s.log.Warn().Err(err).Msg("quota usage unavailable for health check")
		resp["rate_limit"] = nil
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"circuit_breaker":   s.breaker.Stats(),
		"request_coalescer": s.coalescer.Stats(),
		"cache":             s.cache.Stats(),
	}
	if snap, err := s.quota.Usage(r.Context()); err == nil {
		s.metrics.SetRateLimit(snap.Used, snap.Remaining)
		resp["rate_limit"] = snap
	} else {
		s.log.Warn().Err(err).Msg("quota usage unavailable for stats")
		resp["rate_limit"] = nil
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.quota.Usage(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.SetRateLimit(snap.Used, snap.Remaining)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAirports(w http.ResponseWriter, r *http.Request) {
	params := url.Values{}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params.Set("limit", strconv.Itoa(limit))

	if v := r.URL.Query().Get("iata_code"); v != "" {
		params.Set("iata_code", strings.ToUpper(v))
	}
	if v := r.URL.Query().Get("search"); v != "" {
		params.Set("search", v)
	}
	if v := r.URL.Query().Get("country_iso2"); v != "" {
		params.Set("country_iso2", strings.ToUpper(v))
	}

	payload, err := s.upstream.Call(r.Context(), endpointAirports, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, payload)
}

func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	params := url.Values{}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params.Set("limit", strconv.Itoa(limit))

	for _, name := range []string{"flight_iata", "dep_iata", "arr_iata", "airline_iata"} {
		if v := r.URL.Query().Get(name); v != "" {
			params.Set(name, strings.ToUpper(v))
		}
	}
	if v := r.URL.Query().Get("flight_status"); v != "" {
		params.Set("flight_status", strings.ToLower(v))
	}
	if v := r.URL.Query().Get("flight_date"); v != "" {
		if !dateRe.MatchString(v) {
			s.writeError(w, r, errParam("flight_date must be YYYY-MM-DD"))
			return
		}
		params.Set("flight_date", v)
	}

	payload, err := s.upstream.Call(r.Context(), endpointFlights, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Write-through of the returned flights into the history collection,
	// after the response; failures never affect the caller.
	go s.storeFlightHistory(payload)

	writeRaw(w, http.StatusOK, payload)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	flightIATA := strings.ToUpper(r.URL.Query().Get("flight_iata"))
	if flightIATA == "" {
		s.writeError(w, r, errParam("flight_iata is required"))
		return
	}

	endDate := r.URL.Query().Get("end_date")
	if endDate == "" {
		endDate = time.Now().UTC().Format("2006-01-02")
	} else if !dateRe.MatchString(endDate) {
		s.writeError(w, r, errParam("end_date must be YYYY-MM-DD"))
		return
	}
	startDate := r.URL.Query().Get("start_date")
	if startDate == "" {
		end, _ := time.Parse("2006-01-02", endDate)
		startDate = end.AddDate(0, 0, -7).Format("2006-01-02")
	} else if !dateRe.MatchString(startDate) {
		s.writeError(w, r, errParam("start_date must be YYYY-MM-DD"))
		return
	}
	if startDate > endDate {
		s.writeError(w, r, errParam("start_date must not be after end_date"))
		return
	}

	records, err := s.store.HistoryQuery(r.Context(), flightIATA, startDate, endDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	docs := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		docs = append(docs, rec.Data)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flight_iata": flightIATA,
		"start_date":  startDate,
		"end_date":    endDate,
		"count":       len(docs),
		"data":        docs,
	})
}

// storeFlightHistory upserts every flight of a /flights payload keyed by
// (flight_iata, flight_date). Entries without both keys are skipped.
func (s *Server) storeFlightHistory(payload json.RawMessage) {
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Data) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.historyTimeout)
	defer cancel()

	queriedAt := time.Now().UTC()
	stored := 0
	for _, doc := range body.Data {
		var flight struct {
			FlightDate string `json:"flight_date"`
			Flight     struct {
				IATA string `json:"iata"`
			} `json:"flight"`
		}
		if err := json.Unmarshal(doc, &flight); err != nil {
			continue
		}
		if flight.Flight.IATA == "" || !dateRe.MatchString(flight.FlightDate) {
			continue
		}

		rec := &FlightRecord{
			FlightIATA: strings.ToUpper(flight.Flight.IATA),
			FlightDate: flight.FlightDate,
			Data:       doc,
			QueriedAt:  queriedAt,
		}
		if err := s.store.HistoryUpsert(ctx, rec); err != nil {
			s.log.Error().Err(err).
				Str("flight_iata", rec.FlightIATA).
				Str("flight_date", rec.FlightDate).
				Msg("history upsert failed")
			continue
		}
		stored++
	}
	if stored > 0 {
		s.metrics.FlightsStored(stored)
		s.log.Debug().Int("stored", stored).Msg("flight history updated")
	}
}

// writeError translates the error taxonomy into HTTP responses. Upstream
// non-2xx bodies pass through verbatim; everything the gateway originates is
// rendered as {"error": kind, "detail": detail}.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		writeRaw(w, upstreamErr.StatusCode, upstreamErr.Body)
		return
	}

	var status int
	var kind string
	switch {
	case errors.Is(err, ErrInvalidParameter):
		status, kind = http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, ErrQuotaExceeded):
		status, kind = http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, ErrBreakerOpen):
		status, kind = http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, ErrUpstreamFailure):
		status, kind = http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, kind = http.StatusGatewayTimeout, "request_timeout"
	default:
		status, kind = http.StatusInternalServerError, "internal_error"
	}

	detail := err.Error()
	if errors.Is(err, ErrBreakerOpen) {
		if resetAt, ok := s.breaker.ResetAt(); ok {
			detail = "service temporarily unavailable, retry after " + resetAt.UTC().Format(time.RFC3339)
		}
	}

	s.log.Warn().
		Err(err).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("breaker_state", s.breaker.State().String()).
		Msg("request failed")

	writeJSON(w, status, map[string]string{"error": kind, "detail": detail})
}

func errParam(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, detail)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errParam("limit must be an integer")
	}
	if n < 1 {
		n = 1
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func cacheFlag(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
