// Command huntlib is the engine packaged for an AR host app. Build it with
// -buildmode=c-shared; the host drives it through the hostbridge exports.
package main

import "C" // required for -buildmode=c-shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/handlers"
	"github.com/geohunt/engine/internal/influx"
	"github.com/geohunt/engine/internal/logging"
	"github.com/geohunt/engine/internal/monitor"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/pkg/hostbridge"

	"github.com/spf13/viper"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"

	LibName = "huntlib"
)

var (
	// ModulePath is the absolute path to this library file.
	ModulePath string

	// ModuleFolder holds the config file, the status file and the offline cache.
	ModuleFolder string

	rt     *logging.Runtime
	Logger *slog.Logger
	cfg    engine.Config

	eventDispatcher *dispatcher.Dispatcher

	mu      sync.Mutex
	started bool
	eng     *engine.Engine
	// live is read by logContext, which runs while mu may be held
	live    atomic.Pointer[engine.Engine]
	backend storage.Backend
	metrics *influx.Manager
	mon     *monitor.Service
)

// init is run automatically when the library is loaded
func init() {
	ModulePath = hostbridge.ModulePath()
	ModuleFolder = filepath.Dir(ModulePath)
	if ModulePath == "" {
		ModuleFolder, _ = os.Getwd()
	}

	configErr := config.Load(ModuleFolder)
	if !filepath.IsAbs(config.GetString("logsDir")) {
		viper.Set("logsDir", filepath.Join(ModuleFolder, config.GetString("logsDir")))
	}
	cfg = engine.ConfigFromSettings()

	var err error
	rt, err = logging.Bootstrap(context.Background(), logging.BootstrapOptions{
		Name:     LibName,
		Version:  Version,
		DeviceID: cfg.DeviceID,
		Context:  logContext,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: logging setup failed: %v\n", LibName, err)
		rt, _ = logging.Bootstrap(context.Background(), logging.BootstrapOptions{Name: LibName, Stdout: true})
	}
	Logger = rt.Logger()
	if configErr != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		Logger.Info("Loaded config", "dir", ModuleFolder)
	}

	hostbridge.SetVersion(Version)

	// the early dispatcher answers lifecycle commands before :INIT:
	eventDispatcher, err = dispatcher.New(logging.NewDispatcherLogger(Logger))
	if err != nil {
		Logger.Error("Failed to create dispatcher", "error", err)
		panic(err)
	}
	registerLifecycleHandlers(eventDispatcher)
	hostbridge.SetDispatcher(eventDispatcher)
	Logger.Info("Dispatcher initialized with lifecycle handlers", "module", ModulePath)
}

// logContext adds the live session state to every log record.
func logContext() []slog.Attr {
	e := live.Load()
	if e == nil {
		return nil
	}
	s := e.Session()
	return []slog.Attr{
		slog.String("sessionId", s.SessionID),
		slog.String("tracking", string(s.Tracking)),
	}
}

func registerLifecycleHandlers(d *dispatcher.Dispatcher) {
	d.Register(":VERSION:", func(e dispatcher.Event) (any, error) {
		return []string{Version, BuildDate}, nil
	})

	d.Register(":GETDIR:MODULE:", func(e dispatcher.Event) (any, error) {
		return ModuleFolder, nil
	})

	d.Register(":GETDIR:LOG:", func(e dispatcher.Event) (any, error) {
		return rt.FilePath, nil
	})

	d.Register(":INIT:", func(e dispatcher.Event) (any, error) {
		if err := startEngine(context.Background()); err != nil {
			Logger.Error("Engine start failed", "error", err)
			return nil, err
		}
		return cfg.DeviceID, nil
	})

	d.Register(":SHUTDOWN:", func(e dispatcher.Event) (any, error) {
		stopEngine()
		return "ok", nil
	})
}

// startEngine wires storage, sync, metrics and the engine, then registers
// the engine commands with the dispatcher. A second call is a no-op.
func startEngine(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if started {
		return nil
	}

	storageCfg := config.GetStorageConfig()
	if storageCfg.SQLite.DumpPath != "" && !filepath.IsAbs(storageCfg.SQLite.DumpPath) {
		storageCfg.SQLite.DumpPath = filepath.Join(ModuleFolder, storageCfg.SQLite.DumpPath)
	}
	b, err := storage.Open(storageCfg, Logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("open offline cache: %w", err)
	}

	transport, codec, err := engine.SyncTransport(config.GetSyncConfig(), cfg.DeviceID, Logger.With("component", "transport"))
	if err != nil {
		_ = b.Close()
		return err
	}

	m := influx.NewManager(config.GetInfluxConfig(), logging.NewZerolog(rt.Output(), config.GetString("logLevel")), cfg.DeviceID)
	if err := m.Connect(ctx); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			Logger.Warn("Metrics unavailable", "error", err)
		}
		m = nil
	}

	// No Prober: ground heights come from the host's :GROUND: raycast hits.
	deps := engine.Dependencies{
		Transport: transport,
		Codec:     codec,
		Backend:   b,
		Logger:    Logger,
	}
	if m != nil {
		deps.Passes = m
	}
	e, err := engine.New(cfg, deps)
	if err != nil {
		_ = b.Close()
		return err
	}
	if err := e.Start(ctx); err != nil {
		_ = b.Close()
		return err
	}

	hdeps := handlers.Dependencies{Engine: e, Logger: Logger.With("component", "handlers")}
	mdeps := monitor.Dependencies{Source: e, Dir: ModuleFolder, Logger: Logger.With("component", "monitor")}
	if m != nil {
		hdeps.Metrics = m
		mdeps.Metrics = m
	}
	handlers.NewService(hdeps).Register(eventDispatcher)

	mon = monitor.NewService(mdeps)
	if err := mon.Start(); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
	}

	eng, backend, metrics, started = e, b, m, true
	live.Store(e)
	Logger.Info("Engine started", "deviceId", cfg.DeviceID, "sync", transport != nil, "storage", storageCfg.Type)
	return nil
}

// stopEngine shuts the services down in reverse start order and flushes logs.
func stopEngine() {
	mu.Lock()
	defer mu.Unlock()
	if !started {
		return
	}
	if mon != nil && mon.IsRunning() {
		mon.Stop()
	}
	live.Store(nil)
	eng.Stop()
	if err := backend.Close(); err != nil {
		Logger.Error("Closing offline cache failed", "error", err)
	}
	if metrics != nil {
		if err := metrics.Close(); err != nil {
			Logger.Warn("Closing metrics failed", "error", err)
		}
	}
	started = false
	Logger.Info("Engine stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Manager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: flush logs: %v\n", LibName, err)
	}
}

func main() {}
