package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort             = ":8099"
	DefaultUpstream         = "http://just-chat-agents:8091"
	DefaultMongoURI         = "mongodb://localhost:27017"
	DefaultMongoDatabase    = "just_chat"
	DefaultWriteTimeout     = 3 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultFirstByteTimeout = 60 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", DefaultPort)
	v.SetDefault("server::max_body_bytes", 10<<20)
	v.SetDefault("server::shutdown_timeout", 10*time.Second)

	v.SetDefault("upstream::base_url", DefaultUpstream)
	v.SetDefault("upstream::dial_timeout", DefaultDialTimeout)
	v.SetDefault("upstream::first_byte_timeout", DefaultFirstByteTimeout)

	v.SetDefault("storage::driver", "mongo")
	v.SetDefault("storage::write_timeout", DefaultWriteTimeout)
	v.SetDefault("storage::max_retries", 2)
	v.SetDefault("storage::mongo::uri", DefaultMongoURI)
	v.SetDefault("storage::mongo::database", DefaultMongoDatabase)
	v.SetDefault("storage::redis::address", "localhost:6379")
	v.SetDefault("storage::sqlite::path", "data/searchlog.db")

	v.SetDefault("logging::level", "info")
	v.SetDefault("logging::format", "text")
	v.SetDefault("logging::max_size_mb", 100)
	v.SetDefault("logging::max_backups", 5)

	v.SetDefault("identity::rule", "auto")

	v.SetDefault("ratelimit::enabled", false)
	v.SetDefault("ratelimit::requests_per_second", 5.0)
	v.SetDefault("ratelimit::burst", 10)

	v.SetDefault("cors::allow_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := newViper()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// applyLegacyEnv handles environment inputs whose shape differs from the config key.
func applyLegacyEnv(cfg *Config) {
	if raw := os.Getenv("FORWARD_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			d := time.Duration(secs * float64(time.Second))
			cfg.Upstream.FirstByteTimeout = d
			cfg.Upstream.DialTimeout = d
		}
	}
	if port := cfg.Server.Port; port != "" && port[0] != ':' {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = ":" + port
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}
	switch c.Storage.Driver {
	case "mongo", "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not one of mongo, redis, sqlite, memory", c.Storage.Driver)
	}
	switch c.Identity.Rule {
	case "", "auto", "credential", "payload", "anonymous":
	default:
		return fmt.Errorf("identity.rule %q is not one of auto, credential, payload, anonymous", c.Identity.Rule)
	}
	if c.Storage.WriteTimeout <= 0 {
		return fmt.Errorf("storage.write_timeout must be positive")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit requires positive requests_per_second and burst")
	}
	return nil
}
