package config

import (
	"fmt"
	"strings"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
// A missing API key is not an error; discovery then runs degraded.
func (c Config) Validate() error {
	if c.UseAPI {
		if c.APIBaseURL == "" {
			return fmt.Errorf("config: GPUBROKER_API_BASE_URL is required")
		}
		if !c.AllowInsecure && !strings.HasPrefix(c.APIBaseURL, "https://") {
			return fmt.Errorf("config: GPUBROKER_API_BASE_URL must use https:// (got %q); set GPUBROKER_ALLOW_INSECURE=true to override", c.APIBaseURL)
		}
	}

	if c.CLIPath == "" {
		return fmt.Errorf("config: GPUBROKER_CLI_PATH must not be empty")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: RequestTimeout must be > 0, got %v", c.RequestTimeout)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MaxRetries must be >= 1, got %d", c.MaxRetries)
	}

	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("config: RetryBaseDelay must be >= 0, got %v", c.RetryBaseDelay)
	}

	if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: RetryMultiplier must be >= 1, got %v", c.RetryMultiplier)
	}

	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: RateLimitRPS must be >= 0, got %v", c.RateLimitRPS)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("config: MaxConcurrentJobs must be >= 1, got %d", c.MaxConcurrentJobs)
	}

	if c.PodPollInterval <= 0 {
		return fmt.Errorf("config: PodPollInterval must be > 0, got %v", c.PodPollInterval)
	}

	if c.PodReadyTimeout < c.PodPollInterval {
		return fmt.Errorf("config: PodReadyTimeout (%v) must be >= PodPollInterval (%v)", c.PodReadyTimeout, c.PodPollInterval)
	}

	if c.MonitorInterval <= 0 {
		return fmt.Errorf("config: MonitorInterval must be > 0, got %v", c.MonitorInterval)
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("config: ServerPort must be 1-65535, got %d", c.ServerPort)
	}

	if c.RegistryPath == "" {
		return fmt.Errorf("config: GPUBROKER_REGISTRY_PATH must not be empty")
	}

	if !isLogLevel(c.LogLevel) {
		return fmt.Errorf("config: LogLevel must be one of %s, got %q", strings.Join(logLevels, ", "), c.LogLevel)
	}

	return nil
}

func isLogLevel(s string) bool {
	for _, l := range logLevels {
		if strings.EqualFold(s, l) {
			return true
		}
	}
	return false
}
