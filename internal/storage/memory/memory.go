// Package memory implements storage.Backend as an in-process map with
// periodic JSON snapshots on disk.
package memory

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/pkg/core"
)

// Backend stores objects in memory and exports them to a JSON snapshot.
type Backend struct {
	cfg config.MemoryConfig
	log *slog.Logger

	mu             sync.RWMutex
	objects        map[string]core.PlaceableObject
	dirty          bool
	lastExportPath string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new memory backend
func New(cfg config.MemoryConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:      cfg,
		log:      logger,
		objects:  make(map[string]core.PlaceableObject),
		stopChan: make(chan struct{}),
	}
}

// Init loads the previous snapshot, if any, and starts the export loop.
func (b *Backend) Init() error {
	if b.cfg.OutputDir != "" {
		n, err := b.load()
		if err != nil {
			return err
		}
		if n > 0 {
			b.log.Info("Loaded snapshot", "count", n, "path", b.snapshotPath())
		}
	}

	if b.cfg.OutputDir != "" && b.cfg.ExportInterval > 0 {
		b.wg.Add(1)
		go b.exportLoop()
	}
	return nil
}

// Close stops the export loop and writes a final snapshot.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	if b.cfg.OutputDir == "" {
		return nil
	}
	_, err := b.Export()
	return err
}

// SaveObject stores a copy of obj when its version is newer than the stored one.
func (b *Backend) SaveObject(obj core.PlaceableObject) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.objects[obj.ID]; ok && cur.Version >= obj.Version {
		return nil
	}
	c := obj.Clone()
	if c.State == core.StatePlaced {
		c.State = core.StatePending
	}
	b.objects[obj.ID] = c
	b.dirty = true
	return nil
}

// LoadObjects returns copies of all stored objects ordered by ID.
func (b *Backend) LoadObjects() ([]core.PlaceableObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sorted(), nil
}

// DeleteObject removes id.
func (b *Backend) DeleteObject(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[id]; ok {
		delete(b.objects, id)
		b.dirty = true
	}
	return nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// sorted must be called with mu held.
func (b *Backend) sorted() []core.PlaceableObject {
	out := make([]core.PlaceableObject, 0, len(b.objects))
	for _, obj := range b.objects {
		out = append(out, obj.Clone())
	}
	slices.SortFunc(out, func(x, y core.PlaceableObject) int {
		return strings.Compare(x.ID, y.ID)
	})
	return out
}

func (b *Backend) exportLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.mu.RLock()
			dirty := b.dirty
			b.mu.RUnlock()
			if !dirty {
				continue
			}
			if _, err := b.Export(); err != nil {
				b.log.Error("Snapshot export failed", "error", err)
			}
		}
	}
}
