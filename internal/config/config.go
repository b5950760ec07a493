package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all broker configuration values.
type Config struct {
	// Marketplace access
	APIKey        string // GPUBROKER_API_KEY, falls back to PRIME_API_KEY
	APIBaseURL    string
	UseAPI        bool // GPUBROKER_USE_API, default: true. false forces table-only discovery
	AllowInsecure bool // GPUBROKER_ALLOW_INSECURE, default: false. allows http:// APIBaseURL
	CLIPath       string

	// External calls
	RequestTimeout  time.Duration
	MaxRetries      int // total attempts per external call
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RateLimitRPS    float64 // 0 disables client-side limiting

	// Scheduling
	MaxConcurrentJobs int
	PodPollInterval   time.Duration
	PodReadyTimeout   time.Duration

	// Monitoring
	MonitorInterval time.Duration
	Team            string

	ServerPort     int
	RegistryPath   string
	ManifestPath   string
	LogLevel       string
	DebugEndpoints bool // GPUBROKER_DEBUG_ENDPOINTS, default: false. enables /debug/errors
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		APIKey:        envOrDefault("GPUBROKER_API_KEY", os.Getenv("PRIME_API_KEY")),
		APIBaseURL:    envOrDefault("GPUBROKER_API_BASE_URL", "https://api.primeintellect.ai"),
		UseAPI:        parseBool("GPUBROKER_USE_API", true),
		AllowInsecure: parseBool("GPUBROKER_ALLOW_INSECURE", false),
		CLIPath:       envOrDefault("GPUBROKER_CLI_PATH", "prime"),

		RequestTimeout:  parseDuration("GPUBROKER_REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:      parseInt("GPUBROKER_MAX_RETRIES", 3),
		RetryBaseDelay:  parseDuration("GPUBROKER_RETRY_BASE_DELAY", time.Second),
		RetryMultiplier: parseFloat("GPUBROKER_RETRY_MULTIPLIER", 2),
		RateLimitRPS:    parseFloat("GPUBROKER_RATE_LIMIT_RPS", 5),

		MaxConcurrentJobs: parseInt("GPUBROKER_MAX_CONCURRENT_JOBS", 5),
		PodPollInterval:   parseDuration("GPUBROKER_POD_POLL_INTERVAL", 10*time.Second),
		PodReadyTimeout:   parseDuration("GPUBROKER_POD_READY_TIMEOUT", 10*time.Minute),

		MonitorInterval: parseDuration("GPUBROKER_MONITOR_INTERVAL", 60*time.Second),
		Team:            envOrDefault("GPUBROKER_TEAM", "default"),

		ServerPort:     parseInt("GPUBROKER_SERVER_PORT", 8080),
		RegistryPath:   envOrDefault("GPUBROKER_REGISTRY_PATH", defaultRegistryPath()),
		ManifestPath:   os.Getenv("GPUBROKER_MANIFEST"),
		LogLevel:       envOrDefault("GPUBROKER_LOG_LEVEL", "info"),
		DebugEndpoints: parseBool("GPUBROKER_DEBUG_ENDPOINTS", false),
	}
	return cfg
}

func defaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".gpubroker", "registry.db")
	}
	return filepath.Join(home, ".gpubroker", "registry.db")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
