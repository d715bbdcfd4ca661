package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
	"github.com/Sternrassler/safety-proxy/pkg/lifecycle"
	"github.com/Sternrassler/safety-proxy/pkg/logging"
)

// config is read from SAFETY_PROXY_* environment variables.
type config struct {
	Port   string `env:"SAFETY_PROXY_PORT"   envDefault:"8080"`
	Origin string `env:"SAFETY_PROXY_ORIGIN,required"`

	RedisAddr    string `env:"SAFETY_PROXY_REDIS_ADDR"    envDefault:"localhost:6379"`
	QueueBackend string `env:"SAFETY_PROXY_QUEUE_BACKEND" envDefault:"redis"`
	BadgerDir    string `env:"SAFETY_PROXY_BADGER_DIR"    envDefault:"./data/queue"`

	LogLevel  string `env:"SAFETY_PROXY_LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"SAFETY_PROXY_LOG_PRETTY"`

	StandardVersion string `env:"SAFETY_PROXY_STANDARD_VERSION" envDefault:"v1.2.0"`
	CriticalVersion string `env:"SAFETY_PROXY_CRITICAL_VERSION" envDefault:"v1"`

	SyncMaxAttempts  int           `env:"SAFETY_PROXY_SYNC_MAX_ATTEMPTS"  envDefault:"3"`
	SyncDebounce     time.Duration `env:"SAFETY_PROXY_SYNC_DEBOUNCE"      envDefault:"1s"`
	PeriodicInterval time.Duration `env:"SAFETY_PROXY_PERIODIC_INTERVAL"  envDefault:"30s"`
	OfflineThreshold int           `env:"SAFETY_PROXY_OFFLINE_THRESHOLD"  envDefault:"1"`
	ShutdownTimeout  time.Duration `env:"SAFETY_PROXY_SHUTDOWN_TIMEOUT"   envDefault:"10s"`

	origin *url.URL
}

const (
	queueBackendRedis  = "redis"
	queueBackendBadger = "badger"
)

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse environment: %w", err)
	}
	err := cfg.validate()
	return cfg, err
}

func (c *config) validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("SAFETY_PROXY_ORIGIN: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("SAFETY_PROXY_ORIGIN must be an absolute http(s) URL, got %q", c.Origin)
	}
	c.origin = u

	switch c.QueueBackend {
	case queueBackendRedis, queueBackendBadger:
	default:
		return fmt.Errorf("SAFETY_PROXY_QUEUE_BACKEND must be %q or %q, got %q", queueBackendRedis, queueBackendBadger, c.QueueBackend)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("SAFETY_PROXY_LOG_LEVEL: %w", err)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SAFETY_PROXY_SYNC_MAX_ATTEMPTS must be positive, got %d", c.SyncMaxAttempts)
	}
	return nil
}

// version is the release installed at startup.
func (c config) version() lifecycle.Version {
	d := lifecycle.DefaultVersion()
	return lifecycle.Version{
		Standard: cache.Region{Name: d.Standard.Name, Version: c.StandardVersion},
		Critical: cache.Region{Name: d.Critical.Name, Version: c.CriticalVersion},
	}
}
