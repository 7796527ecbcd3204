// Package config provides application configuration loading from environment
// variables and .env files. It uses viper for flexible configuration
// management with sensible defaults.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/optimizely/optimizely-edge-agent/internal/platform"
)

// Config holds all application configuration loaded from environment
// variables or a .env file. Priority: environment variables > .env >
// defaults.
type Config struct {
	AppEnv      string // Application environment (dev, staging, prod)
	HTTPAddr    string // HTTP server bind address (e.g., ":8080")
	MetricsAddr string // Metrics server bind address

	Platform string // Platform identifier (cloudflare, fastly, vercel, akamai, cloudfront)
	SDKKey   string // Default SDK key when the request supplies none

	KVBackend     string // KV backend (memory, postgres, s3); empty = platform default
	MemoryQuotaMB int    // Byte quota for the memory backend, in megabytes
	PostgresDSN   string // PostgreSQL connection string (postgres backend)
	S3Endpoint    string // S3-compatible endpoint (s3 backend)
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3UseSSL      bool

	DatafileURLTemplate     string // Template for datafile downloads, %s = SDK key
	AuthDatafileURLTemplate string // Template for token-authenticated datafile downloads
	EventsEndpoint          string // Analytics endpoint for consolidated event payloads
	EventFlushThreshold     int    // Queued events triggering a mid-request flush; 0 = end of request only
	ManagementAPIURL        string // Experimentation management API base URL

	StrictURLMatch   bool // Compare full URLs (incl. query) when matching experiment URLs
	RateLimitPerIP   int  // Rate limit for the proxy routes per client IP
	DefaultCacheTTL  int  // Fallback cache TTL in seconds when settings omit one
	CookieExpiryDays int  // Visitor/decision cookie lifetime
}

// platformDefaultKV maps each platform to its default KV backend. The
// operator can override with KV_BACKEND.
var platformDefaultKV = map[string]string{
	"cloudflare": "memory",
	"fastly":     "memory",
	"vercel":     "memory",
	"akamai":     "postgres",
	"cloudfront": "s3",
}

// Load reads configuration from environment variables and .env file (if
// present). Environment variables take precedence over .env values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setConfigDefaults(v)

	cfg := &Config{
		AppEnv:      v.GetString("APP_ENV"),
		HTTPAddr:    v.GetString("APP_HTTP_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),

		Platform: v.GetString("PLATFORM"),
		SDKKey:   v.GetString("SDK_KEY"),

		KVBackend:     v.GetString("KV_BACKEND"),
		MemoryQuotaMB: v.GetInt("KV_MEMORY_QUOTA_MB"),
		PostgresDSN:   v.GetString("KV_POSTGRES_DSN"),
		S3Endpoint:    v.GetString("KV_S3_ENDPOINT"),
		S3AccessKey:   v.GetString("KV_S3_ACCESS_KEY"),
		S3SecretKey:   v.GetString("KV_S3_SECRET_KEY"),
		S3Bucket:      v.GetString("KV_S3_BUCKET"),
		S3UseSSL:      v.GetBool("KV_S3_USE_SSL"),

		DatafileURLTemplate:     v.GetString("DATAFILE_URL_TEMPLATE"),
		AuthDatafileURLTemplate: v.GetString("AUTH_DATAFILE_URL_TEMPLATE"),
		EventsEndpoint:          v.GetString("EVENTS_ENDPOINT"),
		EventFlushThreshold:     v.GetInt("EVENT_FLUSH_THRESHOLD"),
		ManagementAPIURL:        v.GetString("MANAGEMENT_API_URL"),

		StrictURLMatch:   v.GetBool("STRICT_URL_MATCH"),
		RateLimitPerIP:   v.GetInt("RATE_LIMIT_PER_IP"),
		DefaultCacheTTL:  v.GetInt("DEFAULT_CACHE_TTL"),
		CookieExpiryDays: v.GetInt("COOKIE_EXPIRY_DAYS"),
	}

	if cfg.KVBackend == "" {
		cfg.KVBackend = platformDefaultKV[cfg.Platform]
	}
	return cfg, nil
}

// setConfigDefaults sets default values for all configuration options.
// These defaults are suitable for local development but should be overridden
// in production.
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("PLATFORM", "cloudflare")
	v.SetDefault("KV_MEMORY_QUOTA_MB", 64)
	v.SetDefault("DATAFILE_URL_TEMPLATE", "https://cdn.optimizely.com/datafiles/%s.json")
	v.SetDefault("AUTH_DATAFILE_URL_TEMPLATE", "https://config.optimizely.com/datafiles/auth/%s.json")
	v.SetDefault("EVENTS_ENDPOINT", "https://logx.optimizely.com/v1/events")
	v.SetDefault("EVENT_FLUSH_THRESHOLD", 0)
	v.SetDefault("MANAGEMENT_API_URL", "https://api.optimizely.com/v2")
	v.SetDefault("STRICT_URL_MATCH", false)
	v.SetDefault("RATE_LIMIT_PER_IP", 100)
	v.SetDefault("DEFAULT_CACHE_TTL", 300)
	v.SetDefault("COOKIE_EXPIRY_DAYS", 365)
}

// ValidationError represents a configuration validation error with details
// about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks that the configuration is suitable for serving. It is
// called at startup to fail fast on misconfiguration; the pipeline never
// silently defaults a platform or store backend.
func (c *Config) Validate() error {
	supported := false
	for _, p := range platform.Supported {
		if c.Platform == p {
			supported = true
			break
		}
	}
	if !supported {
		return ValidationError{
			Field:   "PLATFORM",
			Message: fmt.Sprintf("must be one of %v, got '%s'", platform.Supported, c.Platform),
		}
	}

	switch c.KVBackend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return ValidationError{
				Field:   "KV_POSTGRES_DSN",
				Message: "database DSN is required when KV_BACKEND=postgres",
			}
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return ValidationError{
				Field:   "KV_S3_ENDPOINT",
				Message: "endpoint and bucket are required when KV_BACKEND=s3",
			}
		}
	default:
		return ValidationError{
			Field:   "KV_BACKEND",
			Message: fmt.Sprintf("must be 'memory', 'postgres' or 's3', got '%s'", c.KVBackend),
		}
	}

	if c.HTTPAddr == "" {
		return ValidationError{
			Field:   "APP_HTTP_ADDR",
			Message: "HTTP server address cannot be empty",
		}
	}
	if c.CookieExpiryDays <= 0 {
		return ValidationError{
			Field:   "COOKIE_EXPIRY_DAYS",
			Message: "cookie expiry must be positive",
		}
	}
	return nil
}
