// Command huntsim simulates a device: it walks a GPS path against a running
// huntd, feeding fixes and camera frames through the host command surface,
// and collects the objects it passes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/geohunt/engine/internal/api"
	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/handlers"
	"github.com/geohunt/engine/internal/influx"
	"github.com/geohunt/engine/internal/logging"
	"github.com/geohunt/engine/internal/monitor"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/pkg/core"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const appName = "huntsim"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

type options struct {
	configDir     string
	serverURL     string
	path          string
	seedFile      string
	statusDir     string
	step          float64
	pause         time.Duration
	collectRadius float64
	connectWait   time.Duration
	offline       bool
}

func run() error {
	var o options
	flags := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	flags.StringVar(&o.configDir, "config", ".", "directory containing "+config.FileName)
	flags.StringVar(&o.serverURL, "server", "http://localhost:7480", "huntd base URL")
	flags.StringVar(&o.path, "path", "", `walk path as JSON "[[lon,lat],...]" or @file`)
	flags.StringVar(&o.seedFile, "seed", "", "seed file uploaded before walking")
	flags.StringVar(&o.statusDir, "status-dir", "", "write status.json here while walking")
	flags.Float64Var(&o.step, "step", 2, "meters between simulated fixes")
	flags.DurationVar(&o.pause, "pause", 250*time.Millisecond, "wall time per step")
	flags.Float64Var(&o.collectRadius, "collect-radius", 5, "try to collect objects within this many meters")
	flags.DurationVar(&o.connectWait, "connect-wait", 5*time.Second, "how long to wait for the sync connection")
	flags.BoolVar(&o.offline, "offline", false, "walk without a server, using only the offline cache")
	flags.String("device", "", "device id (overrides device.id)")
	flags.String("codec", "", "sync codec: json or msgpack (overrides sync.codec)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if o.path == "" {
		return errors.New("--path is required")
	}

	configErr := config.Load(o.configDir)
	if f := flags.Lookup("device"); f.Changed {
		_ = viper.BindPFlag("device.id", f)
	}
	if f := flags.Lookup("codec"); f.Changed {
		_ = viper.BindPFlag("sync.codec", f)
	}
	if !o.offline {
		viper.Set("sync.enabled", true)
		viper.Set("sync.url", httpToWS(o.serverURL)+"/ws")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := engine.ConfigFromSettings()
	rt, err := logging.Bootstrap(ctx, logging.BootstrapOptions{
		Name:     appName,
		DeviceID: cfg.DeviceID,
		Stdout:   true,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()
	logger := rt.Logger().With("deviceId", cfg.DeviceID)
	if configErr != nil {
		logger.Debug("No config file, using defaults", "error", configErr)
	}

	path, err := loadPath(o.path, o.step)
	if err != nil {
		return err
	}
	return simulate(ctx, o, cfg, path, logger)
}

// loadPath parses the walk path and densifies it to step meters.
func loadPath(arg string, step float64) ([]core.GeoPoint, error) {
	raw := arg
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read path file: %w", err)
		}
		raw = string(data)
	}
	_, points, err := geo.ParsePath(raw)
	if err != nil {
		return nil, err
	}
	return geo.Interpolate(points, step)
}

func simulate(ctx context.Context, o options, cfg engine.Config, path []core.GeoPoint, logger *slog.Logger) error {
	var client *api.Client
	if !o.offline {
		client = api.New(o.serverURL, config.GetSyncConfig().Secret)
		h, err := client.Healthcheck()
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		logger.Info("Server online", "objects", h.Objects, "clients", h.Clients)
		if o.seedFile != "" {
			res, err := client.Seed(o.seedFile)
			if err != nil {
				return err
			}
			logger.Info("Seed uploaded", "created", res.Created, "updated", res.Updated)
		}
	}

	metrics := influx.NewManager(config.GetInfluxConfig(), logging.NewZerolog(os.Stdout, config.GetString("logLevel")), cfg.DeviceID)
	if err := metrics.Connect(ctx); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			logger.Warn("Metrics unavailable", "error", err)
		}
		metrics = nil
	}
	if metrics != nil {
		defer metrics.Close()
	}

	backend, err := storage.Open(config.GetStorageConfig(), logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("open offline cache: %w", err)
	}
	defer backend.Close()

	transport, codec, err := engine.SyncTransport(config.GetSyncConfig(), cfg.DeviceID, logger.With("component", "transport"))
	if err != nil {
		return err
	}
	deps := engine.Dependencies{
		Transport: transport,
		Codec:     codec,
		Backend:   backend,
		Logger:    logger,
	}
	if metrics != nil {
		deps.Passes = metrics
	}
	eng, err := engine.New(cfg, deps)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if !o.offline {
		waitConnected(ctx, eng, o.connectWait, logger)
	}

	d, err := dispatcher.New(logging.NewDispatcherLogger(logger))
	if err != nil {
		return err
	}
	defer d.Close()
	hdeps := handlers.Dependencies{Engine: eng, Logger: logger.With("component", "handlers")}
	if metrics != nil {
		hdeps.Metrics = metrics
	}
	handlers.NewService(hdeps).Register(d)

	if o.statusDir != "" {
		mdeps := monitor.Dependencies{Source: eng, Dir: o.statusDir, Logger: logger.With("component", "monitor")}
		if metrics != nil {
			mdeps.Metrics = metrics
		}
		mon := monitor.NewService(mdeps)
		if err := mon.Start(); err != nil {
			return err
		}
		defer mon.Stop()
	}

	w := newWalker(d, eng, logger.With("component", "walker"))
	w.pause = o.pause
	w.collectRadius = o.collectRadius
	stats, err := w.walk(ctx, path)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	summary, _ := json.MarshalIndent(stats, "", "  ")
	logger.Info("Walk finished", "steps", stats.Steps, "attempts", stats.Attempts)
	fmt.Println(string(summary))

	if client != nil {
		// give the sync channel a moment to deliver the last collections
		time.Sleep(500 * time.Millisecond)
		objs, err := client.Objects(api.Filter{State: "collected"})
		if err != nil {
			logger.Warn("Listing collected objects failed", "error", err)
		} else {
			logger.Info("Server collected count", "objects", len(objs))
		}
	}
	return nil
}

func waitConnected(ctx context.Context, eng *engine.Engine, timeout time.Duration, logger *slog.Logger) {
	deadline := time.After(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if st := eng.Status(); st.Sync != nil && st.Sync.Connected {
			logger.Info("Sync connected", "objects", st.Store.Objects)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logger.Warn("Sync not connected yet, walking offline", "waited", timeout)
			return
		case <-tick.C:
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}
