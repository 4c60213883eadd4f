package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/store"
	permitredis "github.com/ryhazerus/permit/store/redis"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permit.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Backend != BackendMemory {
		t.Errorf("default backend = %q, want memory", cfg.Backend)
	}
	if cfg.Bucket.Prefix != permit.DefaultBucketPrefix {
		t.Errorf("default bucket prefix = %q, want %q", cfg.Bucket.Prefix, permit.DefaultBucketPrefix)
	}
	if cfg.Semaphore.Key != permit.DefaultSemaphoreKey {
		t.Errorf("default semaphore key = %q, want %q", cfg.Semaphore.Key, permit.DefaultSemaphoreKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "etcd"
	if err := cfg.Validate(); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rate", func(c *Config) { c.Bucket.Rate = 0 }},
		{"negative limit", func(c *Config) { c.Semaphore.Limit = -1 }},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"sqlite without path", func(c *Config) {
			c.Backend = BackendSQLite
			c.SQLite.Path = ""
		}},
		{"redis without addr", func(c *Config) {
			c.Backend = BackendRedis
			c.Redis.Addr = ""
		}},
		{"cluster without nodes", func(c *Config) {
			c.Backend = BackendRedis
			c.Redis.Cluster = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
backend = "sqlite"
timeout = "250ms"

[sqlite]
path = "/var/lib/permit/counters.db"

[semaphore]
limit = 8
bounded_release = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.Timeout != 250*time.Millisecond {
		t.Errorf("timeout = %s, want 250ms", cfg.Timeout)
	}
	if cfg.SQLite.Path != "/var/lib/permit/counters.db" {
		t.Errorf("sqlite.path = %q", cfg.SQLite.Path)
	}
	if cfg.Semaphore.Limit != 8 || !cfg.Semaphore.BoundedRelease {
		t.Errorf("semaphore = %+v, want limit 8 with bounded release", cfg.Semaphore)
	}

	// Untouched sections keep their defaults.
	if cfg.Bucket.Rate != 10 {
		t.Errorf("bucket.rate = %d, want default 10", cfg.Bucket.Rate)
	}
	if cfg.Semaphore.Key != permit.DefaultSemaphoreKey {
		t.Errorf("semaphore.key = %q, want default", cfg.Semaphore.Key)
	}
	if cfg.Redis.DialTimeout != 5*time.Second {
		t.Errorf("redis.dial_timeout = %s, want default 5s", cfg.Redis.DialTimeout)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
backend = "memory"
[bucket]
rate = 5
burst = 10
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown key bucket.burst")
	}
}

func TestLoad_BadSyntax(t *testing.T) {
	path := writeConfig(t, `backend = `)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOpen_Memory(t *testing.T) {
	c, err := Open(context.Background(), Default())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.(*store.MemoryStore); !ok {
		t.Errorf("Open returned %T, want *store.MemoryStore", c)
	}
}

func TestOpen_SQLite(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "permit.db")

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.(*store.SQLiteStore); !ok {
		t.Errorf("Open returned %T, want *store.SQLiteStore", c)
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := Default()
	cfg.Backend = BackendRedis
	cfg.Redis.Addr = mr.Addr()

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.(*permitredis.RedisStore); !ok {
		t.Errorf("Open returned %T, want *redis.RedisStore", c)
	}
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := Default()
	cfg.Backend = BackendRedis
	cfg.Redis.Addr = addr
	cfg.Redis.MaxRetries = -1
	cfg.Redis.DialTimeout = 200 * time.Millisecond

	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("expected ping error")
	}
}

func TestOpen_Invalid(t *testing.T) {
	cfg := Default()
	cfg.Backend = "zookeeper"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestSemaphoreOptions(t *testing.T) {
	cfg := Default()
	cfg.Semaphore.Limit = 1
	cfg.Semaphore.BoundedRelease = true
	cfg.Semaphore.Key = "jobs:permits"

	ctx := context.Background()
	c := store.NewMemoryStore()
	sem, err := permit.NewSemaphore(ctx, c, cfg.Semaphore.Limit, cfg.SemaphoreOptions()...)
	if err != nil {
		t.Fatal(err)
	}

	if sem.Key() != "jobs:permits" {
		t.Errorf("Key = %q, want jobs:permits", sem.Key())
	}
	sem.Release(ctx)
	if n, _ := sem.Available(ctx); n != 1 {
		t.Errorf("Available after unmatched release = %d, want 1 with bounded release", n)
	}
}

func TestBucketOptions(t *testing.T) {
	cfg := Default()
	cfg.Bucket.Prefix = "api:"
	cfg.Timeout = time.Second

	b, err := permit.NewBucket(store.NewMemoryStore(), cfg.Bucket.Rate, cfg.BucketOptions()...)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Key(time.Unix(1700000000, 0)); got != "api:1700000000" {
		t.Errorf("Key = %q, want api:1700000000", got)
	}
}
