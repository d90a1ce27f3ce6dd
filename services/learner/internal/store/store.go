// Package store provides the durable key/value storage the learner keeps its
// local state in: the progress collection and the persisted auth session.
//
// Backends, in order of preference when several are configured:
// Redis (REDIS_URL), Postgres (DATABASE_URL), SQLite file, plain files.
// If none is configured an in-memory store is used (development only).
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been written or was removed.
var ErrNotFound = errors.New("store: key not found")

// Storage is a durable string-keyed blob store.
type Storage interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend. An empty Backend picks the best
// available one from the populated fields.
type Config struct {
	Backend     string
	Dir         string
	SQLitePath  string
	DatabaseURL string
	RedisURL    string
	// Namespace prefixes keys in shared backends (redis, postgres).
	Namespace string
}

// Open creates the configured storage. When isProd is true the in-memory
// fallback is not allowed.
func Open(ctx context.Context, cfg Config, isProd bool) (Storage, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = pickBackend(cfg)
	}
	switch backend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("redis storage requires REDIS_URL")
		}
		return newRedisStore(ctx, cfg.RedisURL, cfg.Namespace)
	case BackendPostgres:
		return newPostgresStore(ctx, cfg.DatabaseURL, cfg.Namespace)
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("sqlite storage requires a database path")
		}
		return newSQLiteStore(cfg.SQLitePath)
	case BackendFile:
		if cfg.Dir == "" {
			return nil, errors.New("file storage requires a directory")
		}
		return newFileStore(cfg.Dir)
	case BackendMemory:
		if isProd {
			return nil, errors.New("production requires a durable storage backend; in-memory store is not allowed")
		}
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unknown storage backend " + backend)
	}
}

func pickBackend(cfg Config) string {
	switch {
	case cfg.RedisURL != "":
		return BackendRedis
	case cfg.DatabaseURL != "":
		return BackendPostgres
	case cfg.SQLitePath != "":
		return BackendSQLite
	case cfg.Dir != "":
		return BackendFile
	default:
		return BackendMemory
	}
}

func namespaced(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}
