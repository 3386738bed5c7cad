package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds client configuration
type Config struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	Retry       RetryPolicy
	HTTPTimeout time.Duration

	// ManifestDir is where downloaded content databases are kept.
	ManifestDir string
	ProxyURL    string
	UserAgent   string

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Retry:       DefaultRetryPolicy(),
		HTTPTimeout: 30 * time.Second,
		ManifestDir: ".",
		UserAgent:   "destigo/1.0",

		// Logging defaults
		LogLevel:    "info",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	c.APIKey = GetEnvWithDefault("DESTIGO_API_KEY", c.APIKey)
	c.ClientID = GetEnvWithDefault("DESTIGO_CLIENT_ID", c.ClientID)
	c.ClientSecret = GetEnvWithDefault("DESTIGO_CLIENT_SECRET", c.ClientSecret)
	c.RedirectURL = GetEnvWithDefault("DESTIGO_REDIRECT_URL", c.RedirectURL)

	if retries := os.Getenv("DESTIGO_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			c.Retry.MaxRetries = n
		}
	}
	if retries := os.Getenv("DESTIGO_MAX_RATELIMIT_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			c.Retry.MaxRateLimitRetries = n
		}
	}
	if timeout := os.Getenv("DESTIGO_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.HTTPTimeout = time.Duration(t) * time.Second
		}
	}

	c.ManifestDir = GetEnvWithDefault("DESTIGO_MANIFEST_DIR", c.ManifestDir)
	c.ProxyURL = GetEnvWithDefault("DESTIGO_PROXY", c.ProxyURL)

	// Load logging configuration from environment
	c.LogLevel = GetEnvWithDefault("DESTIGO_LOG_LEVEL", c.LogLevel)
	if debug := os.Getenv("DESTIGO_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}
	if quiet := os.Getenv("DESTIGO_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}
	c.LogFile = GetEnvWithDefault("DESTIGO_LOG_FILE", c.LogFile)
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.Retry.MaxRetries)
	}

	if c.Retry.MaxRateLimitRetries < 0 {
		return fmt.Errorf("invalid max rate limit retries: %d (must be >= 0)", c.Retry.MaxRateLimitRetries)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("invalid timeout: %v (must be > 0)", c.HTTPTimeout)
	}

	if c.ManifestDir == "" {
		return fmt.Errorf("manifest directory cannot be empty")
	}

	return nil
}
