package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default model",
			check:  func(c *Config) bool { return c.Model == "gemini-2.5-pro" },
			expect: "gemini-2.5-pro",
		},
		{
			name:   "default max output tokens",
			check:  func(c *Config) bool { return c.MaxOutputTokens == 65536 },
			expect: "65536",
		},
		{
			name:   "default max retries",
			check:  func(c *Config) bool { return c.MaxRetries == 3 },
			expect: "3",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestBaseRetryDelayAndRequestTimeout(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BaseRetryDelay().Milliseconds() != 1000 {
		t.Fatalf("expected base retry delay 1000ms, got %v", cfg.BaseRetryDelay())
	}
	if cfg.RequestTimeout().Seconds() != 60 {
		t.Fatalf("expected request timeout 60s, got %v", cfg.RequestTimeout())
	}
}
