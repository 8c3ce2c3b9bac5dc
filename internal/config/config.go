// Package config loads application configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Database  DatabaseConfig  `koanf:"database"`
	Mongo     MongoConfig     `koanf:"mongo"`
	VAPID     VAPIDConfig     `koanf:"vapid"`
	Relay     RelayConfig     `koanf:"relay"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	CORS      CORSConfig      `koanf:"cors"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	BaseURL           string        `koanf:"base_url"`
	StaticDir         string        `koanf:"static_dir"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects the backend and sizes the store handle pool.
type StoreConfig struct {
	Driver         string        `koanf:"driver"`
	Project        string        `koanf:"project"`
	PoolSize       int           `koanf:"pool_size"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// MongoConfig contains MongoDB settings. The database name is Store.Project.
type MongoConfig struct {
	URL             string        `koanf:"url"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	MaxPoolSize     uint64        `koanf:"max_pool_size"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// VAPIDConfig contains the key pair used to sign push messages.
type VAPIDConfig struct {
	PublicKey  string `koanf:"public_key"`
	PrivateKey string `koanf:"private_key"`
	Subscriber string `koanf:"subscriber"`
}

// RelayConfig contains fan-out settings.
type RelayConfig struct {
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	FanoutPageSize  int           `koanf:"fanout_page_size"`
	MaxParallel     int           `koanf:"max_parallel"`
	HistorySize     int           `koanf:"history_size"`
	PushTTL         int           `koanf:"push_ttl"`
	PushUrgency     string        `koanf:"push_urgency"`
}

// RateLimitConfig contains the per-client quota on store-touching endpoints.
type RateLimitConfig struct {
	Requests      int           `koanf:"requests"`
	Period        time.Duration `koanf:"period"`
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

var defaults = map[string]any{
	"server.host":                "0.0.0.0",
	"server.port":                "8080",
	"server.metrics_port":        "9090",
	"server.base_url":            "http://localhost:8080",
	"server.static_dir":          "static",
	"server.read_timeout":        "15s",
	"server.read_header_timeout": "5s",
	"server.write_timeout":       "30s",
	"server.idle_timeout":        "60s",
	"server.shutdown_timeout":    "30s",

	"log.level":  "info",
	"log.format": "text",

	"store.driver":          DriverPostgres,
	"store.project":         "notify",
	"store.pool_size":       16,
	"store.acquire_timeout": "5s",

	"database.max_open_conns":    10,
	"database.max_idle_conns":    2,
	"database.conn_max_lifetime": "30m",
	"database.connect_timeout":   "60s",
	"database.connect_attempts":  5,
	"database.migrate":           true,

	"mongo.connect_timeout":  "10s",
	"mongo.max_pool_size":    100,
	"mongo.connect_attempts": 5,

	"relay.delivery_timeout": "10s",
	"relay.fanout_page_size": 10,
	"relay.max_parallel":     0,
	"relay.history_size":     10,
	"relay.push_ttl":         86400,
	"relay.push_urgency":     "normal",

	"ratelimit.requests":       20,
	"ratelimit.period":         "1m",
	"ratelimit.prune_interval": "5m",
}

// envKeys maps environment variables to configuration keys.
var envKeys = map[string]string{
	"SERVER_HOST":             "server.host",
	"PORT":                    "server.port",
	"METRICS_PORT":            "server.metrics_port",
	"NOTIFY_API_SERVER":       "server.base_url",
	"STATIC_DIR":              "server.static_dir",
	"LOG_LEVEL":               "log.level",
	"LOG_FORMAT":              "log.format",
	"STORE_DRIVER":            "store.driver",
	"GCP_PROJECT_ID":          "store.project",
	"STORE_PROJECT":           "store.project",
	"DATABASE_URL":            "database.url",
	"DATABASE_MIGRATE":        "database.migrate",
	"MONGODB_URL":             "mongo.url",
	"NOTIFY_VAPID_PUBKEY":     "vapid.public_key",
	"NOTIFY_VAPID_PRIVKEY":    "vapid.private_key",
	"NOTIFY_VAPID_SUBSCRIBER": "vapid.subscriber",
	"DELIVERY_TIMEOUT":        "relay.delivery_timeout",
	"FANOUT_PAGE_SIZE":        "relay.fanout_page_size",
	"RATE_LIMIT_REQUESTS":     "ratelimit.requests",
	"CORS_ALLOWED_ORIGINS":    "cors.allowed_origins",
}

// envValue translates one environment variable. Unknown variables are skipped.
func envValue(name, value string) (string, any) {
	switch name {
	case "LOG_JSON":
		// presence alone switches to JSON output
		return "log.format", "json"
	case "CORS_ALLOWED_ORIGINS":
		var origins []string
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return envKeys[name], origins
	}
	return envKeys[name], value
}

// Load reads configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres store"))
		}
	case DriverMongo:
		if c.Mongo.URL == "" {
			errs = append(errs, errors.New("mongo.url is required for the mongo store"))
		}
		if c.Store.Project == "" {
			errs = append(errs, errors.New("store.project is required for the mongo store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Store.PoolSize <= 0 {
		errs = append(errs, errors.New("store.pool_size must be positive"))
	}

	return errors.Join(errs...)
}

// ValidateServe checks the additional settings needed to serve HTTP.
func (c *Config) ValidateServe() error {
	errs := []error{c.Validate()}

	if c.VAPID.PublicKey == "" || c.VAPID.PrivateKey == "" {
		errs = append(errs, errors.New("vapid.public_key and vapid.private_key are required"))
	}

	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL))
	}

	if c.Relay.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("relay.delivery_timeout must be positive"))
	}
	if c.Relay.FanoutPageSize <= 0 {
		errs = append(errs, errors.New("relay.fanout_page_size must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Period <= 0 {
		errs = append(errs, errors.New("ratelimit.requests and ratelimit.period must be positive"))
	}

	return errors.Join(errs...)
}
