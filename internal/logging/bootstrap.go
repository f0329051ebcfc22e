package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/geohunt/engine/internal/config"
	intOtel "github.com/geohunt/engine/internal/otel"

	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Runtime is the logging setup of one process: the log file, the slog
// manager and the optional OTel provider.
type Runtime struct {
	Manager  *SlogManager
	OTel     *intOtel.Provider
	File     *os.File
	FilePath string
}

// BootstrapOptions names the process whose logging is being set up.
type BootstrapOptions struct {
	Name     string
	Version  string
	DeviceID string
	Start    time.Time
	// Stdout keeps logs on stdout instead of a file in logsDir.
	Stdout  bool
	Context ContextProvider
}

// Bootstrap sets up logging from the loaded settings: a file in logsDir
// (rotating an existing one to .old), Graylog when enabled and the OTel
// bridge when enabled. Failures of optional sinks are logged and skipped.
func Bootstrap(ctx context.Context, opts BootstrapOptions) (*Runtime, error) {
	rt := &Runtime{Manager: NewSlogManager()}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	if !opts.Stdout {
		logsDir := config.GetString("logsDir")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		rt.FilePath = LogFilePath(logsDir, opts.Name, opts.Start)
		if _, err := os.Stat(rt.FilePath); err == nil {
			_ = os.Rename(rt.FilePath, rt.FilePath+".old")
		}
		f, err := os.OpenFile(rt.FilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		rt.File = f
	}

	var warnings []error
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		pcfg := intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: opts.Version,
			DeviceID:       opts.DeviceID,
			BatchTimeout:   otelCfg.BatchTimeout,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		}
		if rt.File != nil {
			pcfg.LogWriter = rt.File
		}
		p, err := intOtel.New(ctx, pcfg)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("otel: %w", err))
		} else {
			rt.OTel = p
		}
	}

	var provider *sdklog.LoggerProvider
	if rt.OTel != nil {
		provider = rt.OTel.LoggerProvider()
	}
	setup := Options{
		Level:    config.GetString("logLevel"),
		Provider: provider,
		Context:  opts.Context,
		Name:     opts.Name,
	}
	if rt.File != nil {
		setup.File = rt.File
	}
	if config.GetBool("graylog.enabled") {
		setup.GraylogAddr = config.GetString("graylog.address")
	}
	if err := rt.Manager.Setup(setup); err != nil {
		warnings = append(warnings, err)
		setup.GraylogAddr = ""
		if err := rt.Manager.Setup(setup); err != nil {
			return nil, err
		}
	}

	logger := rt.Manager.Logger()
	for _, w := range warnings {
		logger.Warn("Optional log sink disabled", "error", w)
	}
	if rt.FilePath != "" {
		logger.Info("Logging to file", "path", rt.FilePath)
	}
	return rt, nil
}

// Logger returns the configured logger.
func (rt *Runtime) Logger() *slog.Logger {
	return rt.Manager.Logger()
}

// Output is where the log file is written, or stdout without one.
func (rt *Runtime) Output() io.Writer {
	if rt.File != nil {
		return rt.File
	}
	return os.Stdout
}

// Close flushes and shuts down OTel, then closes Graylog and the file.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Manager.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if rt.OTel != nil {
		if err := rt.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if rt.File != nil {
		if err := rt.File.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
