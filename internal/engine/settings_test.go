package engine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.LoadDefaults()

	cfg := ConfigFromSettings()
	assert.NotEmpty(t, cfg.DeviceID, "random device id")
	assert.Equal(t, 25.0, cfg.Placement.MaxCameraDistance)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxBackoff)
	assert.Equal(t, 1.5, cfg.UserPlaceDistance)

	viper.Set("device.id", "phone-7")
	viper.Set("scheduler.gameMode", "night")
	cfg = ConfigFromSettings()
	assert.Equal(t, "phone-7", cfg.DeviceID)
	assert.Equal(t, "night", cfg.Scheduler.GameMode)
}

func TestSyncTransport(t *testing.T) {
	tr, codec, err := SyncTransport(config.SyncConfig{}, "dev", slog.Default())
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Nil(t, codec)

	_, _, err = SyncTransport(config.SyncConfig{Enabled: true}, "dev", slog.Default())
	assert.Error(t, err)

	_, _, err = SyncTransport(config.SyncConfig{Enabled: true, URL: "ws://x/ws", Codec: "xml"}, "dev", slog.Default())
	assert.Error(t, err)

	tr, codec, err = SyncTransport(config.SyncConfig{Enabled: true, URL: "ws://x/ws", Codec: "msgpack"}, "dev", slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, tr)
	assert.True(t, codec.Binary())
}
