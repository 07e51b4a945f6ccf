package gateway

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends selectable via STORE_BACKEND.
const (
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Config holds the gateway configuration, loaded from the environment.
type Config struct {
	// UpstreamBaseURL is the Aviationstack API root.
	UpstreamBaseURL string

	// UpstreamAPIKey is injected into every outbound call. Required.
	UpstreamAPIKey string

	// UpstreamTimeout bounds a single upstream HTTP call.
	UpstreamTimeout time.Duration

	// StoreBackend selects the durable store adapter.
	StoreBackend string

	// RedisURL is the go-redis connection URI (backend=redis).
	RedisURL string

	// FirestoreProjectID is the GCP project (backend=firestore).
	FirestoreProjectID string

	// StoreKeyPrefix namespaces all store keys and collections.
	StoreKeyPrefix string

	// CacheTTL is the freshness window for cached upstream payloads.
	CacheTTL time.Duration

	// MonthlyCallLimit is the hard upstream quota per calendar month.
	MonthlyCallLimit int

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the number of probes admitted in half-open.
	HalfOpenMaxCalls int

	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// Debug switches to console logging at debug level.
	Debug bool
}

// DefaultConfig returns a Config with the documented defaults and no secrets.
func DefaultConfig() Config {
	return Config{
		UpstreamBaseURL:  "http://api.aviationstack.com/v1",
		UpstreamTimeout:  30 * time.Second,
		StoreBackend:     BackendRedis,
		RedisURL:         "redis://localhost:6379/0",
		StoreKeyPrefix:   "gateway:",
		CacheTTL:         300 * time.Second,
		MonthlyCallLimit: 10000,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		ListenAddr:       ":8004",
	}
}

// LoadConfig reads the configuration from the environment on top of the
// defaults. It does not validate; call Validate before use.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.UpstreamAPIKey = os.Getenv("AVIATIONSTACK_API_KEY")
	if v := os.Getenv("AVIATIONSTACK_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	cfg.FirestoreProjectID = os.Getenv("FIRESTORE_PROJECT_ID")
	if v := os.Getenv("STORE_KEY_PREFIX"); v != "" {
		cfg.StoreKeyPrefix = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.Debug = os.Getenv("DEBUG") == "true"

	var err error
	if cfg.CacheTTL, err = envSeconds("CACHE_TTL", cfg.CacheTTL); err != nil {
		return cfg, err
	}
	if cfg.UpstreamTimeout, err = envSeconds("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return cfg, err
	}
	if cfg.RecoveryTimeout, err = envSeconds("CB_RECOVERY_TIMEOUT", cfg.RecoveryTimeout); err != nil {
		return cfg, err
	}
	if cfg.MonthlyCallLimit, err = envInt("MONTHLY_CALL_LIMIT", cfg.MonthlyCallLimit); err != nil {
		return cfg, err
	}
	if cfg.FailureThreshold, err = envInt("CB_FAILURE_THRESHOLD", cfg.FailureThreshold); err != nil {
		return cfg, err
	}
	if cfg.HalfOpenMaxCalls, err = envInt("CB_HALF_OPEN_MAX_CALLS", cfg.HalfOpenMaxCalls); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate reports the first configuration problem. A missing API key is a
// hard error so the process refuses to start without its secret.
func (c Config) Validate() error {
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("AVIATIONSTACK_API_KEY is required")
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream base URL is required")
	}
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.MonthlyCallLimit <= 0 {
		return fmt.Errorf("monthly call limit must be positive")
	}
	if c.FailureThreshold <= 0 || c.HalfOpenMaxCalls <= 0 || c.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}
	return nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: expected integer, got %q", name, v)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: expected seconds as integer, got %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}
