// Package config loads the campus server settings.
//
// Sources, lowest to highest precedence:
//  1. Default()
//  2. a TOML file
//  3. dotenv files
//  4. the process environment
//
// Environment keys carry the CAMPUS_ prefix followed by the section, e.g.
// CAMPUS_SERVER_ADDR or CAMPUS_CACHE_REDIS_ADDR.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/cyberinferno/campusrpc/cacher"
	"github.com/cyberinferno/campusrpc/campus"
	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/rpcserver"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "CAMPUS_"

// Config holds every setting of campusd.
type Config struct {
	Server   ServerConfig   `toml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `toml:"database" envPrefix:"DATABASE_"`
	Cache    CacheConfig    `toml:"cache" envPrefix:"CACHE_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
	Auth     AuthConfig     `toml:"auth" envPrefix:"AUTH_"`

	// MetricsAddr serves the Prometheus text endpoint when set.
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`
}

// ServerConfig holds the RPC listener settings. AcceptClientSessions is off
// unless configured: a client-carried session is trusted as is.
type ServerConfig struct {
	Name                 string        `toml:"name" env:"NAME"`
	Addr                 string        `toml:"addr" env:"ADDR"`
	MaxConnections       int           `toml:"max_connections" env:"MAX_CONNECTIONS"`
	MaxWorkers           int64         `toml:"max_workers" env:"MAX_WORKERS"`
	MaxFrameSize         int           `toml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	WriteTimeout         time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	AcceptClientSessions bool          `toml:"accept_client_sessions" env:"ACCEPT_CLIENT_SESSIONS"`
}

// DatabaseConfig selects the store. For sqlite3 an empty DSN is derived
// from Path.
type DatabaseConfig struct {
	Driver        string        `toml:"driver" env:"DRIVER"`
	DSN           string        `toml:"dsn" env:"DSN"`
	Path          string        `toml:"path" env:"PATH"`
	MaxOpenConns  int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	RetryAttempts uint64        `toml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `toml:"retry_interval" env:"RETRY_INTERVAL"`
}

// CacheConfig selects the product cache backend.
type CacheConfig struct {
	Backend         string        `toml:"backend" env:"BACKEND"`
	TTL             time.Duration `toml:"ttl" env:"TTL"`
	CleanupInterval time.Duration `toml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	RedisAddr       string        `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword   string        `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB         int           `toml:"redis_db" env:"REDIS_DB"`
}

// LogConfig selects the log level and sink. An empty Dir logs to stdout
// only.
type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
	Dir   string `toml:"dir" env:"DIR"`
}

// AuthConfig holds password hashing and the optional administrator created
// at startup.
type AuthConfig struct {
	BcryptCost    int    `toml:"bcrypt_cost" env:"BCRYPT_COST"`
	AdminUser     string `toml:"admin_user" env:"ADMIN_USER"`
	AdminName     string `toml:"admin_name" env:"ADMIN_NAME"`
	AdminPassword string `toml:"admin_password" env:"ADMIN_PASSWORD"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	server := rpcserver.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Name:                 server.Name,
			Addr:                 server.Addr,
			MaxWorkers:           server.MaxWorkers,
			MaxFrameSize:         server.MaxFrameSize,
			WriteTimeout:         server.WriteTimeout,
			AcceptClientSessions: false,
		},
		Database: DatabaseConfig{
			Driver:        campus.DriverSQLite,
			Path:          "campus.db",
			RetryAttempts: 5,
			RetryInterval: 500 * time.Millisecond,
		},
		Cache: CacheConfig{
			Backend:         cacher.BackendMemory,
			TTL:             5 * time.Minute,
			CleanupInterval: 10 * time.Minute,
			RedisAddr:       "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			BcryptCost: 10,
			AdminName:  "Administrator",
		},
	}
}

// Load builds the configuration.
//
// Parameters:
//   - path: TOML file; empty skips it, a missing file is an error
//   - envFiles: dotenv files; missing ones are skipped
//
// Returns:
//   - The validated configuration
//   - An error naming the source that failed
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	environ, err := environment(envFiles)
	if err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// environment merges dotenv files under the process environment, which
// wins on conflicts. The process environment itself is not modified.
func environment(files []string) (map[string]string, error) {
	merged := map[string]string{}

	for _, file := range files {
		values, err := godotenv.Read(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", file, err)
		}

		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}

	maps.Copy(merged, env.ToMap(os.Environ()))
	return merged, nil
}

// Validate reports every unusable value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxWorkers <= 0 {
		errs = append(errs, errors.New("server.max_workers must be positive"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("server.max_frame_size must be positive"))
	}

	switch c.Database.Driver {
	case campus.DriverSQLite:
		if c.Database.DSN == "" && c.Database.Path == "" {
			errs = append(errs, errors.New("database.path or database.dsn is required for sqlite3"))
		}
	case campus.DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for pgx"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite3, pgx", c.Database.Driver))
	}

	switch c.Cache.Backend {
	case cacher.BackendMemory:
	case cacher.BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, redis", c.Cache.Backend))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if (c.Auth.AdminUser == "") != (c.Auth.AdminPassword == "") {
		errs = append(errs, errors.New("auth.admin_user and auth.admin_password must be set together"))
	}

	return errors.Join(errs...)
}

// RPCServer returns the listener settings.
func (c *Config) RPCServer() rpcserver.Config {
	cfg := rpcserver.DefaultConfig()
	cfg.Name = c.Server.Name
	cfg.Addr = c.Server.Addr
	cfg.MaxConnections = c.Server.MaxConnections
	cfg.MaxWorkers = c.Server.MaxWorkers
	cfg.MaxFrameSize = c.Server.MaxFrameSize
	cfg.WriteTimeout = c.Server.WriteTimeout
	cfg.AcceptClientSessions = c.Server.AcceptClientSessions

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return cfg
}

// Store returns the database settings.
func (c *Config) Store() campus.StoreConfig {
	dsn := c.Database.DSN
	if dsn == "" && c.Database.Driver == campus.DriverSQLite {
		dsn = campus.SQLiteDSN(c.Database.Path)
	}

	return campus.StoreConfig{
		Driver:        c.Database.Driver,
		DSN:           dsn,
		MaxOpenConns:  c.Database.MaxOpenConns,
		RetryAttempts: c.Database.RetryAttempts,
		RetryInterval: c.Database.RetryInterval,
	}
}

// CacheFor returns the cache settings for one namespace.
func (c *Config) CacheFor(namespace string) cacher.Config {
	cfg := cacher.DefaultConfig(namespace)
	cfg.Backend = c.Cache.Backend
	cfg.DefaultTTL = c.Cache.TTL
	cfg.CleanupInterval = c.Cache.CleanupInterval
	cfg.RedisAddr = c.Cache.RedisAddr
	cfg.RedisPassword = c.Cache.RedisPassword
	cfg.RedisDB = c.Cache.RedisDB
	return cfg
}
