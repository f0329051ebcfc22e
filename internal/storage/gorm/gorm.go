// Package gormstorage implements storage.Backend on top of any gorm dialect.
// The sqlite and postgres backends wrap it and only own their connection.
package gormstorage

import (
	"fmt"
	"log/slog"

	"github.com/geohunt/engine/internal/model"
	"github.com/geohunt/engine/internal/model/convert"
	"github.com/geohunt/engine/pkg/core"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Backend stores objects in the "objects" table.
type Backend struct {
	db  *gorm.DB
	log *slog.Logger
}

// New creates a gorm backend over an open connection.
func New(db *gorm.DB, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{db: db, log: logger}
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Init migrates the schema and records the server instance on first use.
func (b *Backend) Init() error {
	if err := b.db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	var count int64
	if err := b.db.Model(&model.ServerInfo{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to read server info: %w", err)
	}
	if count == 0 {
		info := model.ServerInfo{InstanceID: uuid.NewString(), SchemaLevel: 1}
		if err := b.db.Create(&info).Error; err != nil {
			return fmt.Errorf("failed to create server info: %w", err)
		}
		b.log.Info("Schema created", "dialect", b.db.Name(), "instance", info.InstanceID)
	}
	return nil
}

// Close closes the underlying connection.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveObject upserts obj. Rows whose stored version is not lower are left alone.
func (b *Backend) SaveObject(obj core.PlaceableObject) error {
	rec := convert.ObjectToModel(obj)
	err := b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "objects.version < excluded.version"},
		}},
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save object %s: %w", obj.ID, err)
	}
	return nil
}

// LoadObjects reads every row. Rows that fail to convert are logged and skipped.
func (b *Backend) LoadObjects() ([]core.PlaceableObject, error) {
	var recs []model.Object
	if err := b.db.Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}

	out := make([]core.PlaceableObject, 0, len(recs))
	for _, rec := range recs {
		obj, err := convert.ModelToObject(rec)
		if err != nil {
			b.log.Warn("Skipping unreadable object", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// DeleteObject removes the row for id.
func (b *Backend) DeleteObject(id string) error {
	if err := b.db.Delete(&model.Object{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}
