package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the service binaries.
type Config struct {
	Addr         string        `envconfig:"STRATA_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"STRATA_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"STRATA_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"STRATA_IDLE_TIMEOUT" default:"60s"`

	PGDSN string `envconfig:"STRATA_PG_DSN"`

	AuthSecret string        `envconfig:"STRATA_AUTH_SECRET"`
	TokenTTL   time.Duration `envconfig:"STRATA_TOKEN_TTL" default:"15m"`

	RateLimitBurst     int `envconfig:"STRATA_RATE_BURST" default:"20"`
	RateLimitPerSecond int `envconfig:"STRATA_RATE_PER_SECOND" default:"10"`

	WorkerCount int           `envconfig:"STRATA_WORKER_COUNT" default:"4"`
	WorkerPoll  time.Duration `envconfig:"STRATA_WORKER_POLL" default:"500ms"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerCount <= 0 {
		return nil, errors.New("worker count must be positive")
	}
	return &cfg, nil
}
