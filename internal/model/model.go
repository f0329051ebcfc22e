// Package model holds the gorm records persisted by the database backends.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// DatabaseModels lists every table migrated by the gorm backends.
var DatabaseModels = []interface{}{
	&Object{},
	&ServerInfo{},
}

// ServerInfo records which server instance created the schema.
type ServerInfo struct {
	ID          uint      `gorm:"primarykey"`
	InstanceID  string    `gorm:"size:64"`
	SchemaLevel int       `gorm:"default:1"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (*ServerInfo) TableName() string {
	return "server_infos"
}

// Object is the persisted form of a placeable object. Placed never reaches
// storage: it is a per-device state.
type Object struct {
	ID   string `gorm:"primaryKey;size:128"`
	Kind string `gorm:"size:32;index"`

	// Lat and Lon are duplicated from Location for bounding-box queries.
	Lat float64 `gorm:"index:idx_object_latlon"`
	Lon float64 `gorm:"index:idx_object_latlon"`
	// Location is the anchor as WKB (XY or XYZ when an altitude is known).
	Location []byte

	AROffset datatypes.JSON
	AROrigin datatypes.JSON

	Radius    float64
	State     string `gorm:"size:16;index"`
	CreatorID string `gorm:"size:128"`
	CreatedAt time.Time
	Source    string `gorm:"size:16"`
	Version   uint64 `gorm:"not null"`
	TagID     string `gorm:"size:128;index"`

	CollectedBy string `gorm:"size:128"`
	CollectedAt *time.Time

	GameModes    datatypes.JSON
	CoLocateWith string `gorm:"size:128"`
	Attributes   datatypes.JSON

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (*Object) TableName() string {
	return "objects"
}
