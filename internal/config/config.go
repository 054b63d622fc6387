package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all gateway configuration, loaded from environment variables.
type Config struct {
	// Server (thin admin/status surface only — the core does not listen)
	Host string `env:"GATEWAY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"GATEWAY_PORT" envDefault:"8080"`

	// Redis (single KV backend for tokens, project state, metrics)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS (thin admin surface)
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// OAuth client used by the refresh scheduler and the (out-of-core)
	// login flow.
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`

	// Model defaults, per spec §6.
	Model              string        `env:"GATEWAY_MODEL" envDefault:"gemini-2.5-pro"`
	MaxOutputTokens    int           `env:"GATEWAY_MAX_OUTPUT_TOKENS" envDefault:"65536"`
	Temperature        float64       `env:"GATEWAY_TEMPERATURE" envDefault:"1.0"`
	TopP               float64       `env:"GATEWAY_TOP_P" envDefault:"0.95"`
	ThinkingEnabled    bool          `env:"GATEWAY_THINKING_ENABLED" envDefault:"true"`
	ThinkingBudget     int           `env:"GATEWAY_THINKING_BUDGET" envDefault:"32768"`
	MaxRetries         int           `env:"GATEWAY_MAX_RETRIES" envDefault:"3"`
	BaseRetryDelayMs   int           `env:"GATEWAY_BASE_RETRY_DELAY_MS" envDefault:"1000"`
	RequestTimeoutMs   int           `env:"GATEWAY_REQUEST_TIMEOUT_MS" envDefault:"60000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the thin admin/status surface should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseRetryDelay returns the configured base retry delay as a time.Duration.
func (c *Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

// RequestTimeout returns the configured per-request upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
