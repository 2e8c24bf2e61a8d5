package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration for the gateway.
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Upstream  UpstreamConfig     `mapstructure:"upstream"`
	Storage   StorageConfig      `mapstructure:"storage"`
	Logging   LoggingConfig      `mapstructure:"logging"`
	Identity  IdentityConfig     `mapstructure:"identity"`
	RateLimit RateLimitConfig    `mapstructure:"ratelimit"`
	CORS      CORSConfig         `mapstructure:"cors"`
	Admin     AdminConfig        `mapstructure:"admin"`
	Pricing   map[string]float64 `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type UpstreamConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver       string        `mapstructure:"driver"` // "mongo", "redis", "sqlite", "memory"
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Mongo        MongoConfig   `mapstructure:"mongo"`
	Redis        RedisConfig   `mapstructure:"redis"`
	SQLite       SQLiteConfig  `mapstructure:"sqlite"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type IdentityConfig struct {
	Rule string `mapstructure:"rule"` // "auto", "credential", "payload", "anonymous"
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a Store holding cfg. Mostly useful in tests.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.set(cfg)
	return s
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// envAliases maps the environment variable names used by existing deployments
// onto config keys. SEARCHLOG_* names work for every key as well.
var envAliases = map[string][]string{
	"server::port":             {"APP_PORT"},
	"upstream::base_url":       {"FORWARD_BASE_URL"},
	"storage::mongo::uri":      {"MONGODB_URI"},
	"storage::mongo::database": {"MONGODB_DB"},
	"storage::redis::address":  {"REDIS_ADDRESS"},
	"admin::key":               {"ADMIN_KEY"},
	"cors::allow_origins":      {"CORS_ALLOW_ORIGINS"},
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SEARCHLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, names := range envAliases {
		args := append([]string{key, "SEARCHLOG_" + strings.ToUpper(strings.ReplaceAll(key, "::", "_"))}, names...)
		_ = v.BindEnv(args...)
	}
	return v
}

// LoadAndWatch loads the config and watches for on-disk changes.
// A missing config file is not an error: defaults and environment still apply.
func LoadAndWatch() (*Store, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("[CONFIG] could not read .env")
	}

	v := newViper()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := refresh(v, store); err != nil {
				log.WithError(err).Error("[CONFIG] reload failed")
			} else {
				log.WithField("file", e.Name).Info("[CONFIG] reloaded")
			}
		})
	}

	return store, nil
}

// Load loads once and does not watch.
func Load() (*Config, error) {
	store, err := LoadAndWatch()
	if err != nil {
		return nil, err
	}
	return store.Get(), nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	applyLegacyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	store.set(&cfg)
	return nil
}
