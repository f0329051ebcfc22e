// Package database opens the gorm connections used by the storage backends.
package database

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/geohunt/engine/internal/config"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNoDumpPath is returned when a dump or restore is requested without a file.
var ErrNoDumpPath = errors.New("sqlite file path not set")

var sqlitePragmas = []string{
	"PRAGMA user_version = 1;",
	"PRAGMA journal_mode = MEMORY;",
	"PRAGMA synchronous = OFF;",
	"PRAGMA cache_size = -32000;",
	"PRAGMA temp_store = MEMORY;",
}

// GetPostgresDB returns a connection to the Postgres database and checks
// that it answers.
func GetPostgresDB(cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to validate connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	return db, nil
}

// MemoryDSN returns a DSN for a private shared-cache in-memory database.
// Each call names a new database, so separate backends never share rows.
func MemoryDSN() string {
	return fmt.Sprintf("file:hunt-%s?mode=memory&cache=shared", uuid.NewString())
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses a fresh in-memory database.
func GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = MemoryDSN()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        500,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	for _, pragma := range sqlitePragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %s", err)
		}
	}
	return db, nil
}

// DumpToDisk vacuums the database into a file, replacing any previous dump.
func DumpToDisk(db *gorm.DB, path string) error {
	if path == "" {
		return ErrNoDumpPath
	}

	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	if err := db.Exec("VACUUM INTO ?", "file:"+tmp).Error; err != nil {
		return fmt.Errorf("error dumping memory DB to disk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error replacing DB file: %w", err)
	}
	return nil
}

// RestoreFromDisk copies the rows of table from a previous dump into db.
// A missing dump file is not an error.
func RestoreFromDisk(db *gorm.DB, path, table string) (int64, error) {
	if path == "" {
		return 0, ErrNoDumpPath
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	var restored int64
	err := db.Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("ATTACH DATABASE " + quoted + " AS dump").Error; err != nil {
			return fmt.Errorf("attach dump: %w", err)
		}
		defer conn.Exec("DETACH DATABASE dump")

		res := conn.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s SELECT * FROM dump.%s", table, table))
		if res.Error != nil {
			return fmt.Errorf("copy %s from dump: %w", table, res.Error)
		}
		restored = res.RowsAffected
		return nil
	})
	return restored, err
}
