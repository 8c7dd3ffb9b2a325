// Package store is the persistence substrate for conversation state: string
// values with optional TTL plus append-only lists. Two backends are
// provided, an embedded badger database and redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or expired.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is the key/value and list surface the history manager persists to.
// List indexes follow redis semantics: negative values count from the end.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Collector is implemented by backends that need periodic garbage collection.
type Collector interface {
	RunGC() error
}

// Stater is implemented by backends that can describe themselves.
type Stater interface {
	Stats() map[string]any
}

const (
	BackendBadger = "badger"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type Config struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Dir     string      `mapstructure:"dir" yaml:"dir"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

func DefaultConfig() Config {
	return Config{
		Backend: BackendBadger,
		Dir:     "~/.replyflow/data",
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
	}
}

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendBadger:
		dir, err := expandHome(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return OpenBadger(dir, false)
	case BackendMemory:
		return OpenBadger("", true)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func expandHome(p string) (string, error) {
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, ".replyflow", "data"), nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}

// normalizeRange converts redis-style [start, stop] into a half-open
// [from, to) over a list of length n. ok is false for an empty range.
func normalizeRange(start, stop, n int64) (from, to int64, ok bool) {
	if n <= 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
