// Package host is the toolhost HTTP server: it wires the catalog, executor,
// reverse-invoke registry and Redis-backed stores together and exposes the
// /tool/* endpoints.
package host

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/auxothq/toolhost/internal/worker"
)

// Config holds all host settings, read from TOOLHOST_* environment variables.
type Config struct {
	// Server
	Host string `env:"TOOLHOST_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"TOOLHOST_PORT" envDefault:"3000"`

	// Redis; empty starts an embedded miniredis.
	RedisURL      string `env:"TOOLHOST_REDIS_URL"`
	EmbeddedRedis bool   // set by the serve command

	// Auth. Without a hash any non-empty authtoken is accepted.
	AuthTokenHash string        `env:"TOOLHOST_AUTH_TOKEN_HASH"`
	AuthCacheTTL  time.Duration `env:"TOOLHOST_AUTH_CACHE_TTL" envDefault:"5m"`

	// Tools
	ToolsDir            string        `env:"TOOLHOST_TOOLS_DIR" envDefault:"./tools"`
	CatalogPollInterval time.Duration `env:"TOOLHOST_CATALOG_POLL_INTERVAL" envDefault:"5s"`

	// Workers
	WorkerMode         string        `env:"TOOLHOST_WORKER_MODE" envDefault:"thread"`
	WorkerTimeout      time.Duration `env:"TOOLHOST_WORKER_TIMEOUT" envDefault:"120s"`
	InvokeTimeout      time.Duration `env:"TOOLHOST_INVOKE_TIMEOUT" envDefault:"120s"`
	SpawnRate          float64       `env:"TOOLHOST_SPAWN_RATE" envDefault:"50"`
	SpawnBurst         int           `env:"TOOLHOST_SPAWN_BURST" envDefault:"20"`
	CancelOnDisconnect bool          `env:"TOOLHOST_CANCEL_ON_DISCONNECT" envDefault:"true"`

	// Uploads
	UploadDir string `env:"TOOLHOST_UPLOAD_DIR" envDefault:"./uploads"`
	PublicURL string `env:"TOOLHOST_PUBLIC_URL" envDefault:"http://localhost:3000"`

	// Reverse-invoke backends
	AccessTokenTTL time.Duration `env:"TOOLHOST_ACCESS_TOKEN_TTL" envDefault:"10m"`
	WeComBaseURL   string        `env:"TOOLHOST_WECOM_BASE_URL" envDefault:"https://qyapi.weixin.qq.com"`

	LogLevel string `env:"TOOLHOST_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and normalizes URLs.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("TOOLHOST_PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.WorkerMode {
	case worker.ModeThread, worker.ModeProcess:
	default:
		return fmt.Errorf("TOOLHOST_WORKER_MODE must be %q or %q, got %q", worker.ModeThread, worker.ModeProcess, c.WorkerMode)
	}
	for name, d := range map[string]time.Duration{
		"TOOLHOST_WORKER_TIMEOUT":        c.WorkerTimeout,
		"TOOLHOST_INVOKE_TIMEOUT":        c.InvokeTimeout,
		"TOOLHOST_ACCESS_TOKEN_TTL":      c.AccessTokenTTL,
		"TOOLHOST_CATALOG_POLL_INTERVAL": c.CatalogPollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SpawnBurst < 1 {
		return fmt.Errorf("TOOLHOST_SPAWN_BURST must be at least 1, got %d", c.SpawnBurst)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	c.WeComBaseURL = strings.TrimRight(c.WeComBaseURL, "/")
	return nil
}

// ListenAddr is host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
