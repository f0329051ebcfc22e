package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/geohunt/engine/pkg/core"
	"github.com/klauspost/compress/zstd"
)

// SnapshotVersion is written into every export.
const SnapshotVersion = 1

// Snapshot is the root JSON structure of an export.
type Snapshot struct {
	Version    int                    `json:"version"`
	ExportedAt time.Time              `json:"exportedAt"`
	Objects    []core.PlaceableObject `json:"objects"`
}

const (
	snapshotName           = "objects.json"
	compressedSnapshotName = "objects.json.zst"
)

func (b *Backend) snapshotPath() string {
	if b.cfg.CompressOutput {
		return filepath.Join(b.cfg.OutputDir, compressedSnapshotName)
	}
	return filepath.Join(b.cfg.OutputDir, snapshotName)
}

// LastExportPath returns the path of the last successful export.
func (b *Backend) LastExportPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}

// Export writes all objects to the snapshot file and returns its path.
func (b *Backend) Export() (string, error) {
	b.mu.Lock()
	snap := Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: time.Now().UTC(),
		Objects:    b.sorted(),
	}
	b.dirty = false
	b.mu.Unlock()

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := b.snapshotPath()
	tmp := path + ".tmp"
	if err := b.writeSnapshot(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		b.mu.Lock()
		b.dirty = true
		b.mu.Unlock()
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to replace snapshot: %w", err)
	}

	b.mu.Lock()
	b.lastExportPath = path
	b.mu.Unlock()
	b.log.Debug("Snapshot exported", "path", path, "objects", len(snap.Objects))
	return path, nil
}

func (b *Backend) writeSnapshot(path string, snap Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if b.cfg.CompressOutput {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w = enc
	}

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush zstd writer: %w", err)
		}
	}
	return f.Close()
}

// load reads the snapshot for the configured compression, if present.
func (b *Backend) load() (int, error) {
	path := b.snapshotPath()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if b.cfg.CompressOutput {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	if snap.Version != SnapshotVersion {
		return 0, fmt.Errorf("snapshot %s has version %d, want %d", path, snap.Version, SnapshotVersion)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range snap.Objects {
		b.objects[obj.ID] = obj
	}
	b.lastExportPath = path
	return len(snap.Objects), nil
}
