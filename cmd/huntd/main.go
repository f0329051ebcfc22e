// Command huntd is the reference sync server: it owns the authoritative
// object state, fans changes out to connected devices and serves the REST
// surface used for seeding and administration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/logging"
	"github.com/geohunt/engine/internal/seed"
	"github.com/geohunt/engine/internal/server"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/internal/store"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const appName = "huntd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	configDir := flags.String("config", ".", "directory containing "+config.FileName)
	flags.String("addr", "", "listen address (overrides server.addr)")
	flags.String("seed", "", "seed file loaded at startup (overrides server.seedFile)")
	flags.String("storage", "", "storage backend: memory, sqlite or postgres (overrides storage.type)")
	flags.String("log-level", "", "log level (overrides logLevel)")
	stdout := flags.Bool("stdout", false, "log to stdout instead of logsDir")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(appName, Version, BuildDate)
		return nil
	}

	configErr := config.Load(*configDir)
	bindFlag(flags, "addr", "server.addr")
	bindFlag(flags, "seed", "server.seedFile")
	bindFlag(flags, "storage", "storage.type")
	bindFlag(flags, "log-level", "logLevel")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := logging.Bootstrap(ctx, logging.BootstrapOptions{
		Name:    appName,
		Version: Version,
		Stdout:  *stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()
	logger := rt.Logger()
	if configErr != nil {
		logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		logger.Info("Loaded config", "dir", *configDir)
	}

	return serve(ctx, logger)
}

// bindFlag lets a flag override a config key, but only when it was set.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	if f := flags.Lookup(name); f != nil && f.Changed {
		_ = viper.BindPFlag(key, f)
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	st := store.New(
		store.WithLogger(logger.With("component", "store")),
		store.WithCellSize(config.GetIndexCellSize()),
	)
	defer st.Close()

	storageCfg := config.GetStorageConfig()
	backend, err := storage.Open(storageCfg, logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Closing storage failed", "error", err)
		}
	}()

	n, err := storage.Restore(backend, st, logger)
	if err != nil {
		return fmt.Errorf("restore objects: %w", err)
	}
	logger.Info("Restored objects", "count", n, "storage", storageCfg.Type)

	persister := storage.NewPersister(backend, logger.With("component", "persister"))
	detach := persister.Attach(st)
	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persister.Run(persistCtx)
	}()
	defer func() {
		st.Drain()
		stopPersist()
		<-persistDone
		detach()
		stats := persister.Stats()
		logger.Info("Storage flushed", "saved", stats.Saved, "failed", stats.Failed)
	}()

	srvCfg := config.GetServerConfig()
	srv := server.New(srvCfg, st, logger.With("component", "server"), server.WithBackend(backend, persister))

	if srvCfg.SeedFile != "" {
		objs, err := seed.LoadFile(srvCfg.SeedFile, time.Now())
		if err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
		res, err := srv.Seed(objs)
		if err != nil {
			return fmt.Errorf("apply seed file: %w", err)
		}
		logger.Info("Seed file applied", "path", srvCfg.SeedFile, "created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
	}

	logger.Info("Starting sync server", "addr", srvCfg.Addr, "version", Version, "auth", srvCfg.Secret != "")
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Sync server stopped", "stats", srv.Stats())
	return nil
}
