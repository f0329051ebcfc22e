// Package sqlitestorage implements storage.Backend using an in-memory SQLite
// database with periodic disk dumps via VACUUM INTO. The previous dump is
// restored at Init so a restarted server resumes from its last snapshot.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/database"
	"github.com/geohunt/engine/internal/model"
	gormstorage "github.com/geohunt/engine/internal/storage/gorm"

	"gorm.io/gorm"
)

// Backend wraps the gorm backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db       *gorm.DB
	cfg      config.SQLiteConfig
	log      *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new SQLite storage backend.
func New(cfg config.SQLiteConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := database.GetSqliteDB("")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite DB: %w", err)
	}

	return &Backend{
		Backend:  gormstorage.New(db, logger),
		db:       db,
		cfg:      cfg,
		log:      logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Init migrates the schema, restores the last dump and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.DumpPath != "" {
		n, err := database.RestoreFromDisk(b.db, b.cfg.DumpPath, (&model.Object{}).TableName())
		if err != nil {
			return fmt.Errorf("failed to restore dump: %w", err)
		}
		if n > 0 {
			b.log.Info("Restored objects from dump", "count", n, "path", b.cfg.DumpPath)
		}
	}

	if b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}

	return nil
}

// Dump writes a snapshot to the dump path now.
func (b *Backend) Dump() error {
	return database.DumpToDisk(b.db, b.cfg.DumpPath)
}

// Close stops the dump goroutine, writes a final dump and closes the database.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	if b.cfg.DumpPath != "" {
		if err := b.Dump(); err != nil {
			b.log.Error("Final dump failed", "error", err)
		}
	}
	return b.Backend.Close()
}

func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			} else {
				b.log.Debug("Dumped to disk", "took", time.Since(start))
			}
		}
	}
}
