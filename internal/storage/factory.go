package storage

import (
	"fmt"
	"log/slog"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/storage/memory"
	"github.com/geohunt/engine/internal/storage/postgres"
	sqlitestorage "github.com/geohunt/engine/internal/storage/sqlite"
)

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(cfg.Postgres, logger), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, logger)
	case "memory", "":
		return memory.New(cfg.Memory, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Open creates and initializes the configured backend. When postgres cannot
// be reached it falls back to the sqlite backend.
func Open(cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := b.Init(); err != nil {
		if cfg.Type != "postgres" {
			return nil, fmt.Errorf("init %s backend: %w", cfg.Type, err)
		}
		logger.Warn("Postgres unavailable, falling back to sqlite", "error", err)
		fallback, ferr := sqlitestorage.New(cfg.SQLite, logger)
		if ferr != nil {
			return nil, ferr
		}
		if ferr := fallback.Init(); ferr != nil {
			return nil, fmt.Errorf("init sqlite fallback: %w", ferr)
		}
		return fallback, nil
	}
	return b, nil
}
