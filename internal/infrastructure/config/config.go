package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration. Defaults are layered under an
// optional yaml file, which is layered under the environment variables
// enumerated in envPaths.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server      ServerConfig      `koanf:"server"`
	Store       StoreConfig       `koanf:"store"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Credential  CredentialConfig  `koanf:"credential"`
	Auction     AuctionConfig     `koanf:"auction"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1024,max=65535"`
	AllowedOrigin   string        `koanf:"allowed_origin" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MinIdleConns    int           `koanf:"min_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
}

type CoordinatorConfig struct {
	URL          string        `koanf:"url" validate:"required"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
}

type CredentialConfig struct {
	Secret        string `koanf:"secret" validate:"required,min=32"`
	LifetimeHours int    `koanf:"lifetime_hours" validate:"min=1,max=168"`
}

type AuctionConfig struct {
	ExpiryTick time.Duration `koanf:"expiry_tick"`
	LockTTL    time.Duration `koanf:"lock_ttl"`
	CacheTTL   time.Duration `koanf:"cache_ttl"`
}

// envPaths maps the enumerated environment variables to koanf paths. The
// names are fixed; deployments rely on them as written.
var envPaths = map[string]string{
	"STORE_URL":                 "store.url",
	"COORDINATOR_URL":           "coordinator.url",
	"CREDENTIAL_SECRET":         "credential.secret",
	"CREDENTIAL_LIFETIME_HOURS": "credential.lifetime_hours",
	"LISTEN_PORT":               "server.port",
	"ALLOWED_ORIGIN":            "server.allowed_origin",
	"EXPIRY_TICK_MS":            "auction.expiry_tick",
	"LOCK_TTL_MS":               "auction.lock_ttl",
}

// Millisecond-valued environment variables that arrive as bare integers.
var envMillis = map[string]bool{
	"EXPIRY_TICK_MS": true,
	"LOCK_TTL_MS":    true,
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            3010,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    25,
			MinIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			CallTimeout:     2 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			CallTimeout:  2 * time.Second,
		},
		Credential: CredentialConfig{
			LifetimeHours: 24,
		},
		Auction: AuctionConfig{
			ExpiryTick: 5 * time.Second,
			LockTTL:    5 * time.Second,
			CacheTTL:   60 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional config file at
// path (empty means configs/config.yaml if present), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		target, ok := envPaths[key]
		if !ok {
			return "", nil
		}
		if envMillis[key] {
			var ms int64
			if _, err := fmt.Sscanf(value, "%d", &ms); err == nil {
				return target, time.Duration(ms) * time.Millisecond
			}
		}
		return target, value
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// CredentialLifetime returns the configured token lifetime as a duration.
func (c *CredentialConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeHours) * time.Hour
}
