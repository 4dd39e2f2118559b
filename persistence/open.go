package persistence

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects a snapshot backend.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path is the directory for file stores or the database file for SQLite.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// URL is the redis:// address for Redis stores.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Open builds the configured store. The returned closer is never nil.
func Open(cfg Config) (SnapshotStore, io.Closer, error) {
	switch cfg.Driver {
	case "", DriverFile:
		store, err := NewFileSnapshotStore(cfg.Path)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return store, nopCloser{}, nil
	case DriverSQLite:
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "snapshots.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nopCloser{}, err
		}
		store, err := NewSQLiteSnapshotStore(path)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return store, store, nil
	case DriverRedis:
		if cfg.URL == "" {
			return nil, nopCloser{}, &framework.ConfigurationError{Field: "store.url", Reason: "required for redis"}
		}
		store, err := NewRedisSnapshotStore(cfg.URL)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return store, store, nil
	default:
		return nil, nopCloser{}, &framework.ConfigurationError{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
