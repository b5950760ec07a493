package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// helper to blank all broker env vars for the duration of a test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"GPUBROKER_API_KEY",
		"PRIME_API_KEY",
		"GPUBROKER_API_BASE_URL",
		"GPUBROKER_USE_API",
		"GPUBROKER_ALLOW_INSECURE",
		"GPUBROKER_CLI_PATH",
		"GPUBROKER_REQUEST_TIMEOUT",
		"GPUBROKER_MAX_RETRIES",
		"GPUBROKER_RETRY_BASE_DELAY",
		"GPUBROKER_RETRY_MULTIPLIER",
		"GPUBROKER_RATE_LIMIT_RPS",
		"GPUBROKER_MAX_CONCURRENT_JOBS",
		"GPUBROKER_POD_POLL_INTERVAL",
		"GPUBROKER_POD_READY_TIMEOUT",
		"GPUBROKER_MONITOR_INTERVAL",
		"GPUBROKER_TEAM",
		"GPUBROKER_SERVER_PORT",
		"GPUBROKER_REGISTRY_PATH",
		"GPUBROKER_MANIFEST",
		"GPUBROKER_LOG_LEVEL",
		"GPUBROKER_DEBUG_ENDPOINTS",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.APIKey)
	}
	if cfg.APIBaseURL != "https://api.primeintellect.ai" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "https://api.primeintellect.ai")
	}
	if !cfg.UseAPI {
		t.Error("UseAPI should default to true")
	}
	if cfg.CLIPath != "prime" {
		t.Errorf("CLIPath = %q, want %q", cfg.CLIPath, "prime")
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay = %v, want 1s", cfg.RetryBaseDelay)
	}
	if cfg.RetryMultiplier != 2 {
		t.Errorf("RetryMultiplier = %v, want 2", cfg.RetryMultiplier)
	}
	if cfg.RateLimitRPS != 5 {
		t.Errorf("RateLimitRPS = %v, want 5", cfg.RateLimitRPS)
	}
	if cfg.MaxConcurrentJobs != 5 {
		t.Errorf("MaxConcurrentJobs = %d, want 5", cfg.MaxConcurrentJobs)
	}
	if cfg.PodPollInterval != 10*time.Second {
		t.Errorf("PodPollInterval = %v, want 10s", cfg.PodPollInterval)
	}
	if cfg.PodReadyTimeout != 10*time.Minute {
		t.Errorf("PodReadyTimeout = %v, want 10m", cfg.PodReadyTimeout)
	}
	if cfg.MonitorInterval != 60*time.Second {
		t.Errorf("MonitorInterval = %v, want 60s", cfg.MonitorInterval)
	}
	if cfg.Team != "default" {
		t.Errorf("Team = %q, want %q", cfg.Team, "default")
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if !strings.HasSuffix(cfg.RegistryPath, filepath.Join(".gpubroker", "registry.db")) {
		t.Errorf("RegistryPath = %q, want suffix .gpubroker/registry.db", cfg.RegistryPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.AllowInsecure {
		t.Error("AllowInsecure should default to false")
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should default to false")
	}
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUBROKER_API_KEY", "my-api-key")
	t.Setenv("GPUBROKER_API_BASE_URL", "https://custom.example.com")
	t.Setenv("GPUBROKER_USE_API", "false")
	t.Setenv("GPUBROKER_CLI_PATH", "/opt/prime/bin/prime")
	t.Setenv("GPUBROKER_REQUEST_TIMEOUT", "45s")
	t.Setenv("GPUBROKER_MAX_RETRIES", "5")
	t.Setenv("GPUBROKER_RETRY_MULTIPLIER", "1.5")
	t.Setenv("GPUBROKER_RATE_LIMIT_RPS", "0")
	t.Setenv("GPUBROKER_MAX_CONCURRENT_JOBS", "3")
	t.Setenv("GPUBROKER_POD_READY_TIMEOUT", "15m")
	t.Setenv("GPUBROKER_TEAM", "ml")
	t.Setenv("GPUBROKER_SERVER_PORT", "9090")
	t.Setenv("GPUBROKER_REGISTRY_PATH", "/var/lib/gpubroker/reg.db")
	t.Setenv("GPUBROKER_MANIFEST", "broker.yaml")
	t.Setenv("GPUBROKER_LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.APIKey != "my-api-key" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "my-api-key")
	}
	if cfg.APIBaseURL != "https://custom.example.com" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.UseAPI {
		t.Error("UseAPI = true, want false")
	}
	if cfg.CLIPath != "/opt/prime/bin/prime" {
		t.Errorf("CLIPath = %q", cfg.CLIPath)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.RequestTimeout)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.RetryMultiplier != 1.5 {
		t.Errorf("RetryMultiplier = %v, want 1.5", cfg.RetryMultiplier)
	}
	if cfg.RateLimitRPS != 0 {
		t.Errorf("RateLimitRPS = %v, want 0", cfg.RateLimitRPS)
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Errorf("MaxConcurrentJobs = %d, want 3", cfg.MaxConcurrentJobs)
	}
	if cfg.PodReadyTimeout != 15*time.Minute {
		t.Errorf("PodReadyTimeout = %v, want 15m", cfg.PodReadyTimeout)
	}
	if cfg.Team != "ml" {
		t.Errorf("Team = %q, want ml", cfg.Team)
	}
	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.RegistryPath != "/var/lib/gpubroker/reg.db" {
		t.Errorf("RegistryPath = %q", cfg.RegistryPath)
	}
	if cfg.ManifestPath != "broker.yaml" {
		t.Errorf("ManifestPath = %q", cfg.ManifestPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_APIKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRIME_API_KEY", "prime-key")

	if got := Load().APIKey; got != "prime-key" {
		t.Errorf("APIKey = %q, want prime-key from PRIME_API_KEY", got)
	}

	t.Setenv("GPUBROKER_API_KEY", "broker-key")
	if got := Load().APIKey; got != "broker-key" {
		t.Errorf("APIKey = %q, want GPUBROKER_API_KEY to win", got)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	clearEnv(t)

	t.Setenv("GPUBROKER_MONITOR_INTERVAL", "30s")
	cfg := Load()
	if cfg.MonitorInterval != 30*time.Second {
		t.Errorf("MonitorInterval with '30s' = %v, want 30s", cfg.MonitorInterval)
	}

	// Plain integers are seconds.
	t.Setenv("GPUBROKER_MONITOR_INTERVAL", "90")
	cfg = Load()
	if cfg.MonitorInterval != 90*time.Second {
		t.Errorf("MonitorInterval with '90' = %v, want 90s", cfg.MonitorInterval)
	}

	t.Setenv("GPUBROKER_MONITOR_INTERVAL", "soon")
	cfg = Load()
	if cfg.MonitorInterval != 60*time.Second {
		t.Errorf("MonitorInterval with garbage = %v, want default 60s", cfg.MonitorInterval)
	}
}

func TestLoad_MalformedFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUBROKER_MAX_RETRIES", "three")
	t.Setenv("GPUBROKER_RETRY_MULTIPLIER", "double")
	t.Setenv("GPUBROKER_USE_API", "maybe")

	cfg := Load()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryMultiplier != 2 {
		t.Errorf("RetryMultiplier = %v, want 2", cfg.RetryMultiplier)
	}
	if !cfg.UseAPI {
		t.Error("UseAPI = false, want default true")
	}
}

func TestValidate_Valid(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error for default config, got: %v", err)
	}
}

func TestValidate_HTTPSRequired(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.APIBaseURL = "http://insecure.example.com"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for http:// APIBaseURL without AllowInsecure")
	}

	cfg.AllowInsecure = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error with AllowInsecure=true, got: %v", err)
	}

	// The base URL is irrelevant when the API is disabled.
	cfg.AllowInsecure = false
	cfg.UseAPI = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error with UseAPI=false, got: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	clearEnv(t)
	base := Load()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty base url", func(c *Config) { c.APIBaseURL = "" }},
		{"empty cli path", func(c *Config) { c.CLIPath = "" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"shrinking backoff", func(c *Config) { c.RetryMultiplier = 0.5 }},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }},
		{"no job slots", func(c *Config) { c.MaxConcurrentJobs = 0 }},
		{"zero poll", func(c *Config) { c.PodPollInterval = 0 }},
		{"ready before poll", func(c *Config) { c.PodReadyTimeout = time.Second }},
		{"zero monitor interval", func(c *Config) { c.MonitorInterval = 0 }},
		{"port 0", func(c *Config) { c.ServerPort = 0 }},
		{"port too high", func(c *Config) { c.ServerPort = 70000 }},
		{"empty registry", func(c *Config) { c.RegistryPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s, got nil", tt.name)
			}
		})
	}
}
