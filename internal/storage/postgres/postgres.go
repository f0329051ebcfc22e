// Package postgres implements storage.Backend on a PostgreSQL server.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/database"
	gormstorage "github.com/geohunt/engine/internal/storage/gorm"
)

// Backend owns the postgres connection and delegates to the gorm backend.
type Backend struct {
	*gormstorage.Backend
	cfg config.PostgresConfig
	log *slog.Logger
}

// New creates a postgres backend. The connection is opened by Init.
func New(cfg config.PostgresConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, log: logger}
}

// Init connects, checks the server answers and migrates the schema.
func (b *Backend) Init() error {
	db, err := database.GetPostgresDB(b.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b.Backend = gormstorage.New(db, b.log)
	b.log.Info("Connected to postgres", "host", b.cfg.Host, "database", b.cfg.Database)
	return b.Backend.Init()
}

// Close closes the connection if Init opened one.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	return b.Backend.Close()
}
