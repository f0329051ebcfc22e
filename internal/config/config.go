package config

import (
	"fmt"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/scheduler"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "huntengine.cfg.json"

// MemoryConfig holds in-memory storage backend settings
type MemoryConfig struct {
	OutputDir      string        `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool          `json:"compressOutput" mapstructure:"compressOutput"`
	ExportInterval time.Duration `json:"exportInterval" mapstructure:"exportInterval"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
}

// PostgresConfig holds connection settings for the postgres backend
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DSN returns the libpq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type     string         `json:"type" mapstructure:"type"`
	Memory   MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// SyncConfig holds device sync channel settings
type SyncConfig struct {
	Enabled     bool
	URL         string
	Secret      string
	Codec       string
	AckTimeout  time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	StableAfter time.Duration
	OutboxLimit int
}

// ServerConfig holds sync server settings
type ServerConfig struct {
	Addr     string
	Secret   string
	SeedFile string
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// InfluxConfig holds InfluxDB settings
type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
	Backup  string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// LoadDefaults sets default values without reading a file.
func LoadDefaults() {
	setDefaults()
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./huntlogs")
	viper.SetDefault("device.id", "")

	p := geometry.DefaultConfig()
	viper.SetDefault("placement.minSeparation", p.MinSeparation)
	viper.SetDefault("placement.minCameraDistance", p.MinCameraDistance)
	viper.SetDefault("placement.maxCameraDistance", p.MaxCameraDistance)
	viper.SetDefault("placement.fallbackDistance", p.FallbackDistance)
	viper.SetDefault("placement.maxAttempts", p.MaxAttempts)
	viper.SetDefault("placement.spiralStep", p.SpiralStep)
	viper.SetDefault("placement.syntheticGroundOffset", p.SyntheticGroundOffset)
	viper.SetDefault("geo.maxOffsetTrust", p.MaxOffsetTrust)

	viper.SetDefault("probe.ratePerSecond", p.ProbeRate)
	viper.SetDefault("probe.burst", p.ProbeBurst)
	viper.SetDefault("probe.cacheTTL", p.ProbeCacheTTL.String())
	viper.SetDefault("probe.cellSize", p.ProbeCellSize)
	viper.SetDefault("probe.timeout", p.ProbeTimeout.String())
	viper.SetDefault("probe.hostHitTTL", p.HostHitTTL.String())
	viper.SetDefault("probe.hostHitRadius", p.HostHitRadius)

	s := scheduler.DefaultConfig()
	viper.SetDefault("scheduler.interval", s.Interval.String())
	viper.SetDefault("scheduler.maxPerPass", s.MaxPerPass)
	viper.SetDefault("scheduler.proximityRadius", s.ProximityRadius)
	viper.SetDefault("scheduler.hysteresis", s.Hysteresis)
	viper.SetDefault("scheduler.maxRetries", s.MaxRetries)
	viper.SetDefault("scheduler.gameMode", s.GameMode)

	viper.SetDefault("discovery.arRadius", discovery.DefaultConfig().ARRadius)
	viper.SetDefault("index.cellSize", store.DefaultCellSize)

	v := visibility.DefaultConfig()
	viper.SetDefault("visibility.budget", v.Budget)
	viper.SetDefault("visibility.cooldown", v.Cooldown.String())
	viper.SetDefault("visibility.objectRadius", v.ObjectRadius)

	viper.SetDefault("sync.enabled", false)
	viper.SetDefault("sync.url", "ws://localhost:7480/ws")
	viper.SetDefault("sync.secret", "")
	viper.SetDefault("sync.codec", "json")
	viper.SetDefault("sync.ackTimeout", "5s")
	viper.SetDefault("sync.minBackoff", "1s")
	viper.SetDefault("sync.maxBackoff", "30s")
	viper.SetDefault("sync.stableAfter", "30s")
	viper.SetDefault("sync.outboxLimit", 10000)

	viper.SetDefault("server.addr", ":7480")
	viper.SetDefault("server.secret", "")
	viper.SetDefault("server.seedFile", "")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./huntdata")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.memory.exportInterval", "1m")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.sqlite.dumpPath", "./huntdata/objects.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "geohunt")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "geohunt")
	viper.SetDefault("influx.bucket", "engine_performance")
	viper.SetDefault("influx.backupPath", "./huntlogs/influx_backup.log.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "geohunt-engine")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetPlacementConfig returns the placement and probe constants.
func GetPlacementConfig() geometry.Config {
	return geometry.Config{
		MinSeparation:         viper.GetFloat64("placement.minSeparation"),
		MinCameraDistance:     viper.GetFloat64("placement.minCameraDistance"),
		MaxCameraDistance:     viper.GetFloat64("placement.maxCameraDistance"),
		FallbackDistance:      viper.GetFloat64("placement.fallbackDistance"),
		MaxAttempts:           viper.GetInt("placement.maxAttempts"),
		SpiralStep:            viper.GetFloat64("placement.spiralStep"),
		MaxOffsetTrust:        viper.GetFloat64("geo.maxOffsetTrust"),
		ProbeRate:             viper.GetFloat64("probe.ratePerSecond"),
		ProbeBurst:            viper.GetInt("probe.burst"),
		ProbeCacheTTL:         viper.GetDuration("probe.cacheTTL"),
		ProbeCellSize:         viper.GetFloat64("probe.cellSize"),
		ProbeTimeout:          viper.GetDuration("probe.timeout"),
		SyntheticGroundOffset: viper.GetFloat64("placement.syntheticGroundOffset"),
		HostHitTTL:            viper.GetDuration("probe.hostHitTTL"),
		HostHitRadius:         viper.GetFloat64("probe.hostHitRadius"),
	}
}

// GetSchedulerConfig returns the placement scheduler constants.
func GetSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:        viper.GetDuration("scheduler.interval"),
		MaxPerPass:      viper.GetInt("scheduler.maxPerPass"),
		ProximityRadius: viper.GetFloat64("scheduler.proximityRadius"),
		Hysteresis:      viper.GetFloat64("scheduler.hysteresis"),
		MaxRetries:      viper.GetInt("scheduler.maxRetries"),
		GameMode:        viper.GetString("scheduler.gameMode"),
	}
}

// GetDiscoveryConfig returns the discovery constants.
func GetDiscoveryConfig() discovery.Config {
	return discovery.Config{ARRadius: viper.GetFloat64("discovery.arRadius")}
}

// GetVisibilityConfig returns the viewport tracker constants.
func GetVisibilityConfig() visibility.Config {
	return visibility.Config{
		Budget:       viper.GetInt("visibility.budget"),
		Cooldown:     viper.GetDuration("visibility.cooldown"),
		ObjectRadius: viper.GetFloat64("visibility.objectRadius"),
	}
}

// GetIndexCellSize returns the store grid cell size in meters.
func GetIndexCellSize() float64 {
	return viper.GetFloat64("index.cellSize")
}

// GetSyncConfig returns the device sync channel settings.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:     viper.GetBool("sync.enabled"),
		URL:         viper.GetString("sync.url"),
		Secret:      viper.GetString("sync.secret"),
		Codec:       viper.GetString("sync.codec"),
		AckTimeout:  viper.GetDuration("sync.ackTimeout"),
		MinBackoff:  viper.GetDuration("sync.minBackoff"),
		MaxBackoff:  viper.GetDuration("sync.maxBackoff"),
		StableAfter: viper.GetDuration("sync.stableAfter"),
		OutboxLimit: viper.GetInt("sync.outboxLimit"),
	}
}

// GetServerConfig returns the sync server settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Addr:     viper.GetString("server.addr"),
		Secret:   viper.GetString("server.secret"),
		SeedFile: viper.GetString("server.seedFile"),
	}
}

// GetStorageConfig returns the storage backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
			ExportInterval: viper.GetDuration("storage.memory.exportInterval"),
		},
		SQLite: SQLiteConfig{
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled: viper.GetBool("influx.enabled"),
		URL:     viper.GetString("influx.url"),
		Token:   viper.GetString("influx.token"),
		Org:     viper.GetString("influx.org"),
		Bucket:  viper.GetString("influx.bucket"),
		Backup:  viper.GetString("influx.backupPath"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
