// Package config loads and validates bridge configuration from the
// environment. All tunables have defaults; only the transport and sink
// URLs are required.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	WSURL      string `env:"BRIDGE_WS_URL"`
	WebhookURL string `env:"BRIDGE_WEBHOOK_URL"`

	CursorFile string `env:"BRIDGE_CURSOR_FILE" envDefault:"state/chatbridge_cursors.json"`

	PollSeconds      float64 `env:"BRIDGE_POLL_SECONDS"      envDefault:"2"`
	WSTimeoutSeconds float64 `env:"BRIDGE_WS_TIMEOUT_SECONDS" envDefault:"10"`
	ReconnectSeconds float64 `env:"BRIDGE_RECONNECT_SECONDS" envDefault:"5"`

	WebhookRetries        int     `env:"BRIDGE_WEBHOOK_RETRIES"         envDefault:"3"`
	WebhookBackoffSeconds float64 `env:"BRIDGE_WEBHOOK_BACKOFF_SECONDS" envDefault:"2"`
	WebhookSecret         string  `env:"BRIDGE_WEBHOOK_SECRET"`

	HTTPBind string `env:"BRIDGE_HTTP_BIND" envDefault:"0.0.0.0"`
	HTTPPort int    `env:"BRIDGE_HTTP_PORT" envDefault:"8080"`

	RateLimitPerMinute int    `env:"BRIDGE_RATE_LIMIT_PER_MINUTE" envDefault:"20"`
	CursorCapacity     int    `env:"BRIDGE_CURSOR_CAPACITY"       envDefault:"1000"`
	EvictCron          string `env:"BRIDGE_EVICT_CRON"            envDefault:"0 * * * *"`

	MaxConsecutiveErrors int `env:"BRIDGE_MAX_CONSECUTIVE_ERRORS" envDefault:"10"`

	EnableGroupChat bool `env:"BRIDGE_ENABLE_GROUP_CHAT" envDefault:"false"`
	EnableMetrics   bool `env:"BRIDGE_ENABLE_METRICS"    envDefault:"true"`
	DebugWSEvents   bool `env:"BRIDGE_DEBUG_WS_EVENTS"   envDefault:"false"`
	StartupChecks   bool `env:"BRIDGE_STARTUP_CHECKS"    envDefault:"true"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// FromEnv loads configuration from environment variables and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WSURL == "" {
		return errors.New("BRIDGE_WS_URL is required")
	}
	if c.WebhookURL == "" {
		return errors.New("BRIDGE_WEBHOOK_URL is required")
	}
	if _, err := url.Parse(c.WSURL); err != nil {
		return fmt.Errorf("invalid BRIDGE_WS_URL: %w", err)
	}
	if _, err := url.Parse(c.WebhookURL); err != nil {
		return fmt.Errorf("invalid BRIDGE_WEBHOOK_URL: %w", err)
	}
	if c.PollSeconds < 0.1 {
		return errors.New("BRIDGE_POLL_SECONDS must be >= 0.1")
	}
	if c.WSTimeoutSeconds < 1 {
		return errors.New("BRIDGE_WS_TIMEOUT_SECONDS must be >= 1")
	}
	if c.WebhookRetries < 1 {
		return errors.New("BRIDGE_WEBHOOK_RETRIES must be >= 1")
	}
	if c.CursorCapacity <= 0 {
		return errors.New("BRIDGE_CURSOR_CAPACITY must be > 0")
	}
	if !gronx.New().IsValid(c.EvictCron) {
		return fmt.Errorf("invalid BRIDGE_EVICT_CRON expression: %q", c.EvictCron)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds * float64(time.Second))
}

func (c *Config) WSTimeout() time.Duration {
	return time.Duration(c.WSTimeoutSeconds * float64(time.Second))
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectSeconds * float64(time.Second))
}

func (c *Config) WebhookBackoff() time.Duration {
	return time.Duration(c.WebhookBackoffSeconds * float64(time.Second))
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}
