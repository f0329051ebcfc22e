package engine

import (
	"fmt"
	"log/slog"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/google/uuid"
)

// ConfigFromSettings builds an engine Config from the loaded settings. An
// empty device.id gets a random one so the sync transport and the engine
// agree on it.
func ConfigFromSettings() Config {
	cfg := DefaultConfig()
	cfg.DeviceID = config.GetString("device.id")
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	cfg.Placement = config.GetPlacementConfig()
	cfg.Scheduler = config.GetSchedulerConfig()
	cfg.Discovery = config.GetDiscoveryConfig()
	cfg.Visibility = config.GetVisibilityConfig()
	cfg.IndexCellSize = config.GetIndexCellSize()

	sc := config.GetSyncConfig()
	cfg.Sync.AckTimeout = sc.AckTimeout
	cfg.Sync.MinBackoff = sc.MinBackoff
	cfg.Sync.MaxBackoff = sc.MaxBackoff
	cfg.Sync.StableAfter = sc.StableAfter
	cfg.Sync.OutboxLimit = sc.OutboxLimit
	return cfg
}

// SyncTransport returns the websocket transport and codec for sc, or nils
// when sync is disabled.
func SyncTransport(sc config.SyncConfig, deviceID string, logger *slog.Logger) (syncchan.Transport, streaming.Codec, error) {
	if !sc.Enabled {
		return nil, nil, nil
	}
	if sc.URL == "" {
		return nil, nil, fmt.Errorf("sync enabled without sync.url")
	}
	codec, err := streaming.CodecByName(sc.Codec)
	if err != nil {
		return nil, nil, err
	}
	return syncchan.NewWebSocketTransport(sc.URL, sc.Secret, deviceID, codec, logger), codec, nil
}
