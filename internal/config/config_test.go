package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/scheduler"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"logLevel": "debug",
		"device": { "id": "phone-7" },
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)
	require.NoError(t, Load(dir))

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "phone-7", viper.GetString("device.id"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./huntlogs", viper.GetString("logsDir"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "5432", viper.GetString("db.port"))
	assert.Equal(t, "geohunt", viper.GetString("db.database"))
	assert.Equal(t, false, viper.GetBool("graylog.enabled"))
	assert.Equal(t, "localhost:12201", viper.GetString("graylog.address"))
	assert.Equal(t, "memory", viper.GetString("storage.type"))
	assert.Equal(t, "json", viper.GetString("sync.codec"))
	assert.Equal(t, ":7480", viper.GetString("server.addr"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadDefaults_WithoutFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	LoadDefaults()
	assert.Equal(t, geometry.DefaultConfig(), GetPlacementConfig())
	assert.Equal(t, scheduler.DefaultConfig(), GetSchedulerConfig())
}

func TestGetString(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	assert.Equal(t, "testValue", GetString("testKey"))
}

func TestGetInt(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testInt", 42)
	assert.Equal(t, 42, GetInt("testInt"))
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.Equal(t, true, GetBool("testBool"))
}

func TestGetPlacementConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetPlacementConfig()
	assert.Equal(t, 3.0, cfg.MinSeparation)
	assert.Equal(t, 1.0, cfg.MinCameraDistance)
	assert.Equal(t, 25.0, cfg.MaxCameraDistance)
	assert.Equal(t, 2.0, cfg.FallbackDistance)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, 0.75, cfg.SpiralStep)
	assert.Equal(t, 12.0, cfg.MaxOffsetTrust)
	assert.Equal(t, 10.0, cfg.ProbeRate)
	assert.Equal(t, 500*time.Millisecond, cfg.ProbeCacheTTL)
	assert.Equal(t, 0.5, cfg.ProbeCellSize)
	assert.Equal(t, 4*time.Millisecond, cfg.ProbeTimeout)
}

func TestGetPlacementConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"placement": { "minSeparation": 5, "maxAttempts": 12 },
		"probe": { "timeout": "10ms" },
		"geo": { "maxOffsetTrust": 20 }
	}`)))

	cfg := GetPlacementConfig()
	assert.Equal(t, 5.0, cfg.MinSeparation)
	assert.Equal(t, 12, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 20.0, cfg.MaxOffsetTrust)
	assert.Equal(t, 0.75, cfg.SpiralStep)
}

func TestGetSchedulerConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"scheduler": { "interval": "250ms", "maxPerPass": 2, "gameMode": "night" }
	}`)))

	cfg := GetSchedulerConfig()
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, 2, cfg.MaxPerPass)
	assert.Equal(t, "night", cfg.GameMode)
	assert.Equal(t, 100.0, cfg.ProximityRadius)
	assert.Equal(t, 20.0, cfg.Hysteresis)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestGetDiscoveryAndVisibilityConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	assert.Equal(t, 1.5, GetDiscoveryConfig().ARRadius)
	vc := GetVisibilityConfig()
	assert.Equal(t, 32, vc.Budget)
	assert.Equal(t, 2*time.Second, vc.Cooldown)
	assert.Equal(t, 100.0, GetIndexCellSize())
}

func TestGetSyncConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"sync": { "enabled": true, "url": "wss://hunt.example/ws", "codec": "msgpack", "maxBackoff": "1m" }
	}`)))

	sc := GetSyncConfig()
	assert.True(t, sc.Enabled)
	assert.Equal(t, "wss://hunt.example/ws", sc.URL)
	assert.Equal(t, "msgpack", sc.Codec)
	assert.Equal(t, 5*time.Second, sc.AckTimeout)
	assert.Equal(t, time.Second, sc.MinBackoff)
	assert.Equal(t, time.Minute, sc.MaxBackoff)
	assert.Equal(t, 30*time.Second, sc.StableAfter)
	assert.Equal(t, 10000, sc.OutboxLimit)
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetStorageConfig()
	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, "./huntdata", cfg.Memory.OutputDir)
	assert.Equal(t, true, cfg.Memory.CompressOutput)
	assert.Equal(t, time.Minute, cfg.Memory.ExportInterval)
	assert.Equal(t, 3*time.Minute, cfg.SQLite.DumpInterval)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=geohunt sslmode=disable", cfg.Postgres.DSN())
}

func TestGetStorageConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"storage": {
			"type": "sqlite",
			"memory": { "outputDir": "/tmp/out", "compressOutput": false },
			"sqlite": { "dumpInterval": "10m", "dumpPath": "/tmp/o.db" }
		}
	}`)))

	sc := GetStorageConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "/tmp/out", sc.Memory.OutputDir)
	assert.Equal(t, false, sc.Memory.CompressOutput)
	assert.Equal(t, 10*time.Minute, sc.SQLite.DumpInterval)
	assert.Equal(t, "/tmp/o.db", sc.SQLite.DumpPath)
}

func TestGetOTelConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetOTelConfig()
	assert.Equal(t, false, cfg.Enabled)
	assert.Equal(t, "geohunt-engine", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Equal(t, true, cfg.Insecure)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4317",
			"insecure": false
		}
	}`)))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4317", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetServerAndInfluxConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"server": { "addr": ":9000", "seedFile": "seed.yaml" },
		"influx": { "enabled": true, "token": "tok" }
	}`)))

	srv := GetServerConfig()
	assert.Equal(t, ":9000", srv.Addr)
	assert.Equal(t, "seed.yaml", srv.SeedFile)

	ic := GetInfluxConfig()
	assert.True(t, ic.Enabled)
	assert.Equal(t, "tok", ic.Token)
	assert.Equal(t, "http://localhost:8086", ic.URL)
	assert.Equal(t, "engine_performance", ic.Bucket)
}
