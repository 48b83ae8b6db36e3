// Package config provides centralized configuration management for chartgate.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the upstream data-acquisition core.
type Config struct {
	// Server configuration (cmd/chartgate only)
	Port int

	// Vendor connectivity
	VendorWebSocketURL  string
	VendorBootstrapURL  string
	VendorStudyConfigURL string

	// Connection pool (C6)
	PoolSize int

	// Caches (C2, C3)
	ChartCacheTTL     time.Duration
	ChartCacheMaxSize int
	SessionCacheTTL   time.Duration
	JWTExpiryBuffer   time.Duration

	// Request budget (C7)
	RequestBudgetBaseMs   int
	RequestBudgetStepMs   int
	RequestBudgetStepSize int
	RequestBudgetCapMs    int

	// Heartbeat & reconnection (C5)
	HeartbeatIdle          time.Duration
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffCap    time.Duration
	ReconnectBackoffFactor float64
	ReconnectJitter        float64

	// Batch fanout (C8)
	BatchSize int

	// Misc
	DisablePool           bool
	CVDStudyFetchTimeout  time.Duration
	StudyConfigRetries    int

	// KV store reference adapter
	KVStorePath string

	// Vendor service account used to authenticate the pool's own WebSocket
	// connections (distinct from the per-caller credentials used to resolve
	// a chart request's session).
	VendorServiceEmail    string
	VendorServicePassword string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values, per spec.md §6.
const (
	DefaultPort = 8088

	DefaultVendorWebSocketURL   = "wss://data.tradingview.com/socket.io/websocket"
	DefaultVendorBootstrapURL   = "https://www.tradingview.com/chart-token/"
	DefaultVendorStudyConfigURL = "https://pine-facade.tradingview.com/pine-facade/translate/STD;Cumulative%1Volume%1Delta/1"

	DefaultPoolSize = 5

	DefaultChartCacheTTL     = 5 * time.Minute
	DefaultChartCacheMaxSize = 2000
	DefaultSessionCacheTTL   = 5 * time.Minute
	DefaultJWTExpiryBuffer   = 10 * time.Minute

	DefaultRequestBudgetBaseMs   = 8000
	DefaultRequestBudgetStepMs   = 1000
	DefaultRequestBudgetStepSize = 500
	DefaultRequestBudgetCapMs    = 20000

	DefaultHeartbeatIdle          = 30 * time.Second
	DefaultReconnectBackoffBase   = 500 * time.Millisecond
	DefaultReconnectBackoffCap    = 30 * time.Second
	DefaultReconnectBackoffFactor = 2.0
	DefaultReconnectJitter        = 0.2

	DefaultBatchSize = 18

	DefaultCVDStudyFetchTimeout = 2 * time.Second
	DefaultStudyConfigRetries   = 1

	DefaultKVStorePath = "chartgate.db"
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port: DefaultPort,

		VendorWebSocketURL:   DefaultVendorWebSocketURL,
		VendorBootstrapURL:   DefaultVendorBootstrapURL,
		VendorStudyConfigURL: DefaultVendorStudyConfigURL,

		PoolSize: DefaultPoolSize,

		ChartCacheTTL:     DefaultChartCacheTTL,
		ChartCacheMaxSize: DefaultChartCacheMaxSize,
		SessionCacheTTL:   DefaultSessionCacheTTL,
		JWTExpiryBuffer:   DefaultJWTExpiryBuffer,

		RequestBudgetBaseMs:   DefaultRequestBudgetBaseMs,
		RequestBudgetStepMs:   DefaultRequestBudgetStepMs,
		RequestBudgetStepSize: DefaultRequestBudgetStepSize,
		RequestBudgetCapMs:    DefaultRequestBudgetCapMs,

		HeartbeatIdle:          DefaultHeartbeatIdle,
		ReconnectBackoffBase:   DefaultReconnectBackoffBase,
		ReconnectBackoffCap:    DefaultReconnectBackoffCap,
		ReconnectBackoffFactor: DefaultReconnectBackoffFactor,
		ReconnectJitter:        DefaultReconnectJitter,

		BatchSize: DefaultBatchSize,

		CVDStudyFetchTimeout: DefaultCVDStudyFetchTimeout,
		StudyConfigRetries:   DefaultStudyConfigRetries,

		KVStorePath: DefaultKVStorePath,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("CHARTGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_PORT", fmt.Sprintf("invalid port number: %q", v)})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("CHARTGATE_VENDOR_WS_URL"); v != "" {
		c.VendorWebSocketURL = v
	}
	if v := os.Getenv("CHARTGATE_VENDOR_BOOTSTRAP_URL"); v != "" {
		c.VendorBootstrapURL = v
	}
	if v := os.Getenv("CHARTGATE_VENDOR_STUDY_CONFIG_URL"); v != "" {
		c.VendorStudyConfigURL = v
	}

	if v := os.Getenv("CHARTGATE_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_POOL_SIZE", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.PoolSize = n
		}
	}

	if v := os.Getenv("CHARTGATE_CHART_CACHE_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_CHART_CACHE_TTL_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.ChartCacheTTL = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_SESSION_CACHE_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_SESSION_CACHE_TTL_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.SessionCacheTTL = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_JWT_EXPIRY_BUFFER_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_JWT_EXPIRY_BUFFER_SEC", fmt.Sprintf("must be a non-negative integer, got %q", v)})
		} else {
			c.JWTExpiryBuffer = time.Duration(sec) * time.Second
		}
	}

	if v := os.Getenv("CHARTGATE_HEARTBEAT_IDLE_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_HEARTBEAT_IDLE_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.HeartbeatIdle = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_RECONNECT_BACKOFF_BASE_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_RECONNECT_BACKOFF_BASE_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.ReconnectBackoffBase = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_RECONNECT_BACKOFF_CAP_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_RECONNECT_BACKOFF_CAP_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.ReconnectBackoffCap = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_DISABLE_POOL"); v != "" {
		c.DisablePool = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("CHARTGATE_CVD_STUDY_FETCH_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{"CHARTGATE_CVD_STUDY_FETCH_TIMEOUT_MS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.CVDStudyFetchTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CHARTGATE_KV_STORE_PATH"); v != "" {
		c.KVStorePath = v
	}

	if v := os.Getenv("CHARTGATE_VENDOR_SERVICE_EMAIL"); v != "" {
		c.VendorServiceEmail = v
	}
	if v := os.Getenv("CHARTGATE_VENDOR_SERVICE_PASSWORD"); v != "" {
		c.VendorServicePassword = v
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{"CHARTGATE_PORT", fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port)})
	}

	if c.PoolSize < 1 {
		errs = append(errs, ValidationError{"CHARTGATE_POOL_SIZE", fmt.Sprintf("pool size must be at least 1, got %d", c.PoolSize)})
	}

	if c.VendorWebSocketURL == "" {
		errs = append(errs, ValidationError{"CHARTGATE_VENDOR_WS_URL", "vendor WebSocket URL cannot be empty"})
	}

	if c.ReconnectBackoffCap < c.ReconnectBackoffBase {
		errs = append(errs, ValidationError{"CHARTGATE_RECONNECT_BACKOFF_CAP_MS", "backoff cap must be >= backoff base"})
	}

	return errs
}

// RequestBudget returns the per-request wall-clock budget for the given bar
// count, per spec.md §6: 8000ms + 1000ms per additional 500 bars, capped at
// 20000ms.
func (c *Config) RequestBudget(barCount int) time.Duration {
	extra := barCount - c.RequestBudgetStepSize
	steps := 0
	if extra > 0 {
		steps = (extra + c.RequestBudgetStepSize - 1) / c.RequestBudgetStepSize
	}
	ms := c.RequestBudgetBaseMs + steps*c.RequestBudgetStepMs
	if ms > c.RequestBudgetCapMs {
		ms = c.RequestBudgetCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

// MustLoad loads configuration and panics if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
