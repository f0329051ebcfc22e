// Package monitor periodically publishes the engine status to a file and,
// optionally, to the metrics sink.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/engine"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StatusFileName is the file written in Dependencies.Dir.
const StatusFileName = "status.json"

// StatusSource reports the engine status.
type StatusSource interface {
	Status() engine.Status
}

// PointWriter accepts status points.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source StatusSource
	// Dir receives status.json. Empty disables the file.
	Dir      string
	Metrics  PointWriter
	Interval time.Duration
	Logger   *slog.Logger
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// StatusPoint converts a status into a metrics point.
func StatusPoint(st engine.Status) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement("engine_status").
		AddTag("device", st.DeviceID).
		AddTag("tracking", string(st.Tracking)).
		AddField("objects", st.Store.Objects).
		AddField("visible", st.Visible).
		AddField("frames", st.Frames).
		AddField("conflicts", st.Store.Conflicts).
		AddField("rejected", st.Store.Rejected).
		AddField("ground_probes", st.Ground.Probes).
		SetTime(st.Time)
	if st.Sync != nil {
		p.AddField("sync_connected", st.Sync.Connected).
			AddField("sync_pending", st.Sync.Pending)
	}
	return p
}

// WriteOnce writes the current status once.
func (s *Service) WriteOnce() error {
	st := s.deps.Source.Status()

	if s.deps.Dir != "" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		path := filepath.Join(s.deps.Dir, StatusFileName)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write status file: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("replace status file: %w", err)
		}
	}

	if s.deps.Metrics != nil {
		if err := s.deps.Metrics.WritePoint(StatusPoint(st)); err != nil {
			return fmt.Errorf("write status point: %w", err)
		}
	}
	return nil
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.deps.Source == nil {
		s.mu.Unlock()
		return fmt.Errorf("monitor needs a status source")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "dir", s.deps.Dir, "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.WriteOnce(); err != nil {
					logger.Error("Error writing status", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
