package gormstorage

import (
	"testing"
	"time"

	"github.com/geohunt/engine/internal/database"
	"github.com/geohunt/engine/internal/model"
	"github.com/geohunt/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := database.GetSqliteDB("")
	require.NoError(t, err)
	b := New(db, nil)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func object(id string, version uint64) core.PlaceableObject {
	return core.PlaceableObject{
		ID:        id,
		Kind:      core.KindSphere,
		Anchor:    core.NewGeoPoint(37.7749, -122.4194).WithAlt(3),
		Radius:    5,
		State:     core.StatePending,
		Source:    core.SourceServer,
		Version:   version,
		CreatedAt: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
		GameModes: []string{"classic"},
	}
}

func TestInit_CreatesServerInfoOnce(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Init())

	var count int64
	require.NoError(t, b.DB().Model(&model.ServerInfo{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSaveAndLoad(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.SaveObject(object("b", 1)))
	require.NoError(t, b.SaveObject(object("a", 2)))

	objs, err := b.LoadObjects()
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "a", objs[0].ID)
	assert.Equal(t, uint64(2), objs[0].Version)
	require.NotNil(t, objs[0].Anchor.Alt)
	assert.Equal(t, 3.0, *objs[0].Anchor.Alt)
	assert.Equal(t, []string{"classic"}, objs[0].GameModes)
}

func TestSaveObject_VersionGated(t *testing.T) {
	b := newTestBackend(t)

	v2 := object("a", 2)
	v2.State = core.StateCollected
	v2.CollectedBy = "dev-1"
	require.NoError(t, b.SaveObject(v2))

	stale := object("a", 1)
	require.NoError(t, b.SaveObject(stale))

	objs, err := b.LoadObjects()
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, core.StateCollected, objs[0].State)

	v3 := object("a", 3)
	v3.State = core.StateRemoved
	require.NoError(t, b.SaveObject(v3))
	objs, err = b.LoadObjects()
	require.NoError(t, err)
	assert.Equal(t, core.StateRemoved, objs[0].State)
	assert.Equal(t, uint64(3), objs[0].Version)
}

func TestDeleteObject(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.SaveObject(object("a", 1)))

	require.NoError(t, b.DeleteObject("a"))
	require.NoError(t, b.DeleteObject("missing"))

	objs, err := b.LoadObjects()
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestLoadObjects_SkipsUnreadableRows(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.SaveObject(object("a", 1)))
	require.NoError(t, b.DB().Model(&model.Object{}).Where("id = ?", "a").
		Update("location", []byte{0x01}).Error)
	require.NoError(t, b.SaveObject(object("b", 1)))

	objs, err := b.LoadObjects()
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "b", objs[0].ID)
}
