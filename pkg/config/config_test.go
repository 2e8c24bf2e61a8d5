package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultUpstream, cfg.Upstream.BaseURL)
	assert.Equal(t, "mongo", cfg.Storage.Driver)
	assert.Equal(t, DefaultWriteTimeout, cfg.Storage.WriteTimeout)
	assert.Equal(t, 2, cfg.Storage.MaxRetries)
	assert.Equal(t, DefaultMongoDatabase, cfg.Storage.Mongo.Database)
	assert.Equal(t, "auto", cfg.Identity.Rule)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("FORWARD_BASE_URL", "http://router:4000")
	t.Setenv("MONGODB_DB", "audit")
	t.Setenv("SEARCHLOG_STORAGE_DRIVER", "sqlite")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("FORWARD_TIMEOUT_SECONDS", "2.5")

	v := newViper()
	store := &Store{}
	require.NoError(t, refresh(v, store))
	cfg := store.Get()

	assert.Equal(t, "http://router:4000", cfg.Upstream.BaseURL)
	assert.Equal(t, "audit", cfg.Storage.Mongo.Database)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Upstream.FirstByteTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative upstream", func(c *Config) { c.Upstream.BaseURL = "/v1" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"unknown identity rule", func(c *Config) { c.Identity.Rule = "cookie" }},
		{"zero write timeout", func(c *Config) { c.Storage.WriteTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Storage.MaxRetries = -1 }},
		{"rate limit without burst", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Burst = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore(Default())

	cfg := store.Get()
	cfg.Storage.Driver = "memory"

	assert.Equal(t, "mongo", store.Get().Storage.Driver)
	assert.Nil(t, (&Store{}).Get())
}
