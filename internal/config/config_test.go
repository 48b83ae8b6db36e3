package config

import (
	"os"
	"testing"
	"time"
)

func clearEnvVars(t *testing.T) {
	t.Helper()
	envVars := []string{
		"CHARTGATE_PORT",
		"CHARTGATE_VENDOR_WS_URL",
		"CHARTGATE_VENDOR_BOOTSTRAP_URL",
		"CHARTGATE_VENDOR_STUDY_CONFIG_URL",
		"CHARTGATE_POOL_SIZE",
		"CHARTGATE_CHART_CACHE_TTL_MS",
		"CHARTGATE_SESSION_CACHE_TTL_MS",
		"CHARTGATE_JWT_EXPIRY_BUFFER_SEC",
		"CHARTGATE_HEARTBEAT_IDLE_MS",
		"CHARTGATE_RECONNECT_BACKOFF_BASE_MS",
		"CHARTGATE_RECONNECT_BACKOFF_CAP_MS",
		"CHARTGATE_DISABLE_POOL",
		"CHARTGATE_CVD_STUDY_FETCH_TIMEOUT_MS",
		"CHARTGATE_KV_STORE_PATH",
		"CHARTGATE_VENDOR_SERVICE_EMAIL",
		"CHARTGATE_VENDOR_SERVICE_PASSWORD",
	}
	for _, v := range envVars {
		if err := os.Unsetenv(v); err != nil {
			t.Fatalf("failed to unset %s: %v", v, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %v, want %v", cfg.Port, DefaultPort)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("PoolSize = %v, want %v", cfg.PoolSize, DefaultPoolSize)
	}
	if cfg.ChartCacheTTL != DefaultChartCacheTTL {
		t.Errorf("ChartCacheTTL = %v, want %v", cfg.ChartCacheTTL, DefaultChartCacheTTL)
	}
	if cfg.VendorServiceEmail != "" {
		t.Errorf("VendorServiceEmail = %v, want empty", cfg.VendorServiceEmail)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("CHARTGATE_PORT", "9090")
	t.Setenv("CHARTGATE_POOL_SIZE", "8")
	t.Setenv("CHARTGATE_VENDOR_SERVICE_EMAIL", "svc@example.com")
	t.Setenv("CHARTGATE_VENDOR_SERVICE_PASSWORD", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %v, want 9090", cfg.Port)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("PoolSize = %v, want 8", cfg.PoolSize)
	}
	if cfg.VendorServiceEmail != "svc@example.com" || cfg.VendorServicePassword != "secret" {
		t.Errorf("vendor service creds not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("CHARTGATE_PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}

func TestLoadRejectsBackoffCapBelowBase(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("CHARTGATE_RECONNECT_BACKOFF_BASE_MS", "5000")
	t.Setenv("CHARTGATE_RECONNECT_BACKOFF_CAP_MS", "1000")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when backoff cap is below backoff base")
	}
}

func TestRequestBudgetBaseCase(t *testing.T) {
	cfg := &Config{
		RequestBudgetBaseMs:   DefaultRequestBudgetBaseMs,
		RequestBudgetStepMs:   DefaultRequestBudgetStepMs,
		RequestBudgetStepSize: DefaultRequestBudgetStepSize,
		RequestBudgetCapMs:    DefaultRequestBudgetCapMs,
	}

	if got := cfg.RequestBudget(300); got != 8000*time.Millisecond {
		t.Errorf("RequestBudget(300) = %v, want 8000ms", got)
	}
}

func TestRequestBudgetScalesWithBarCount(t *testing.T) {
	cfg := &Config{
		RequestBudgetBaseMs:   DefaultRequestBudgetBaseMs,
		RequestBudgetStepMs:   DefaultRequestBudgetStepMs,
		RequestBudgetStepSize: DefaultRequestBudgetStepSize,
		RequestBudgetCapMs:    DefaultRequestBudgetCapMs,
	}

	// 1000 bars = 500 over the step size -> one extra 1000ms step.
	if got := cfg.RequestBudget(1000); got != 9000*time.Millisecond {
		t.Errorf("RequestBudget(1000) = %v, want 9000ms", got)
	}
}

func TestRequestBudgetCapsAtMaximum(t *testing.T) {
	cfg := &Config{
		RequestBudgetBaseMs:   DefaultRequestBudgetBaseMs,
		RequestBudgetStepMs:   DefaultRequestBudgetStepMs,
		RequestBudgetStepSize: DefaultRequestBudgetStepSize,
		RequestBudgetCapMs:    DefaultRequestBudgetCapMs,
	}

	if got := cfg.RequestBudget(100000); got != time.Duration(DefaultRequestBudgetCapMs)*time.Millisecond {
		t.Errorf("RequestBudget(100000) = %v, want the %dms cap", got, DefaultRequestBudgetCapMs)
	}
}
