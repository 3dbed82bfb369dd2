package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig selects and configures a Store backend. Grounded on
// pkg/fleet/store_factory.go's backend-selection shape.
type StoreConfig struct {
	Backend    string // "memory", "sqlite", "postgres"
	DataDir    string // base data directory, used for the default SQLite path
	SQLitePath string // explicit SQLite path, overrides DataDir default
	PostgresDSN string
}

// NewStore creates the Store implementation named by cfg.Backend.
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "memory":
		logger.Info("node registry store: using in-memory backend (non-durable)")
		return NewMemoryStore(), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires SQLitePath or DataDir")
			}
			dbPath = filepath.Join(cfg.DataDir, "registry.db")
		}
		logger.Info("node registry store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store requires PostgresDSN")
		}
		logger.Info("node registry store: using PostgreSQL backend")
		return NewPostgresStore(cfg.PostgresDSN)

	default:
		return nil, fmt.Errorf("unknown node registry store backend: %q (supported: memory, sqlite, postgres)", cfg.Backend)
	}
}
