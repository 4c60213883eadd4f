// Package config loads the settings used to build a coordinator and the
// primitives on top of it from a TOML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/store"
	permitredis "github.com/ryhazerus/permit/store/redis"
)

// Backends accepted in Config.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrUnknownBackend is returned for a backend name other than memory, sqlite
// or redis.
var ErrUnknownBackend = errors.New("config: unknown backend")

// Config is the top-level configuration.
type Config struct {
	Backend  string        `toml:"backend"`
	Timeout  time.Duration `toml:"timeout"`
	LogLevel string        `toml:"log_level"`

	Redis     RedisConfig     `toml:"redis"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Bucket    BucketConfig    `toml:"bucket"`
	Semaphore SemaphoreConfig `toml:"semaphore"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	Cluster      bool          `toml:"cluster"`
	ClusterNodes []string      `toml:"cluster_nodes"`
	PoolSize     int           `toml:"pool_size"`
	MaxRetries   int           `toml:"max_retries"`
	DialTimeout  time.Duration `toml:"dial_timeout"`
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// BucketConfig configures the rate limiter.
type BucketConfig struct {
	Rate   int64  `toml:"rate"`
	Prefix string `toml:"prefix"`
}

// SemaphoreConfig configures the counting semaphore.
type SemaphoreConfig struct {
	Limit          int64  `toml:"limit"`
	Key            string `toml:"key"`
	BoundedRelease bool   `toml:"bounded_release"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Backend:  BackendMemory,
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: 5 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "permit.db",
		},
		Bucket: BucketConfig{
			Rate:   10,
			Prefix: permit.DefaultBucketPrefix,
		},
		Semaphore: SemaphoreConfig{
			Limit: 100,
			Key:   permit.DefaultSemaphoreKey,
		},
	}
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("config: sqlite.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Redis.Cluster {
			if len(c.Redis.ClusterNodes) == 0 {
				return fmt.Errorf("config: redis.cluster_nodes is required when redis.cluster = true")
			}
		} else if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("%w %q, must be one of: memory, sqlite, redis", ErrUnknownBackend, c.Backend)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must not be negative, got %s", c.Timeout)
	}
	if c.Bucket.Rate < 1 {
		return fmt.Errorf("config: bucket.rate must be positive, got %d", c.Bucket.Rate)
	}
	if c.Semaphore.Limit < 0 {
		return fmt.Errorf("config: semaphore.limit must not be negative, got %d", c.Semaphore.Limit)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Load reads a TOML file and merges it over Default. Keys the file does not
// set keep their default values; keys Config does not know are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ParseLevel maps a level name to a slog.Level. The empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

// Open builds the coordinator the config selects. For Redis it also checks
// that the server answers. The caller owns the returned coordinator and must
// Close it.
func Open(ctx context.Context, c Config) (store.Coordinator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Backend {
	case BackendSQLite:
		s, err := store.NewSQLiteStore(c.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		client := newRedisClient(c.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("config: redis ping: %w", err)
		}
		return permitredis.NewRedisStore(client), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func newRedisClient(c RedisConfig) goredis.UniversalClient {
	if c.Cluster {
		return goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:       c.ClusterNodes,
			Password:    c.Password,
			PoolSize:    c.PoolSize,
			MaxRetries:  c.MaxRetries,
			DialTimeout: c.DialTimeout,
		})
	}
	return goredis.NewClient(&goredis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		PoolSize:    c.PoolSize,
		MaxRetries:  c.MaxRetries,
		DialTimeout: c.DialTimeout,
	})
}

// BucketOptions returns the primitive options for the rate limiter.
func (c Config) BucketOptions() []permit.Option {
	opts := []permit.Option{permit.WithKey(c.Bucket.Prefix)}
	if c.Timeout > 0 {
		opts = append(opts, permit.WithTimeout(c.Timeout))
	}
	return opts
}

// SemaphoreOptions returns the primitive options for the semaphore.
func (c Config) SemaphoreOptions() []permit.Option {
	opts := []permit.Option{permit.WithKey(c.Semaphore.Key)}
	if c.Timeout > 0 {
		opts = append(opts, permit.WithTimeout(c.Timeout))
	}
	if c.Semaphore.BoundedRelease {
		opts = append(opts, permit.WithBoundedRelease())
	}
	return opts
}
