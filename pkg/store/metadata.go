package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
	"layerstore/pkg/puller"
)

// metadataRecord is the persisted form of one image's layer list. Records are
// never mutated in place; a re-pull rewrites the whole file atomically.
type metadataRecord struct {
	Name   string         `json:"name"`
	Layers []puller.Layer `json:"layers"`
}

// MetadataManager owns the mapping from image identity to its ordered,
// already extracted layer list. The in-memory index is authoritative between
// restarts; Recover rebuilds it from the per-image records on disk.
type MetadataManager struct {
	dir string
	log logr.Logger

	mu     sync.RWMutex
	images map[string][]puller.Layer
}

func NewMetadataManager(dir string, log logr.Logger) *MetadataManager {
	return &MetadataManager{
		dir:    dir,
		log:    log,
		images: map[string][]puller.Layer{},
	}
}

// Recover scans the metadata directory and rebuilds the image index. A
// missing or empty directory means there is nothing to recover. Records whose
// layer rootfs directories have gone missing are skipped, which makes the
// image eligible for a fresh pull.
func (m *MetadataManager) Recover() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading metadata directory %q: %w", m.dir, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading metadata record %q: %w", path, err)
		}

		var record metadataRecord
		if err := json.Unmarshal(b, &record); err != nil {
			return fmt.Errorf("parsing metadata record %q: %w", path, err)
		}

		complete := true
		for _, layer := range record.Layers {
			if _, err := os.Stat(layer.RootfsPath); err != nil {
				m.log.Info("skipping metadata record with missing layer rootfs",
					"image", record.Name, "layer", layer.ID, "rootfs", layer.RootfsPath)
				complete = false
				break
			}
		}
		if !complete {
			continue
		}

		m.images[record.Name] = record.Layers
	}

	m.log.Info("recovered image metadata", "images", len(m.images))
	m.updateGauges()
	return nil
}

// Get returns the cached layer list for an image, base layer first.
func (m *MetadataManager) Get(name image.Name) ([]puller.Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	layers, ok := m.images[name.Key()]
	if !ok {
		return nil, false
	}
	out := make([]puller.Layer, len(layers))
	copy(out, layers)
	return out, true
}

// Put persists the layer list for an image, replacing any previous record.
// The record is written to a temporary file and renamed into place so a
// recover after a clean put always reproduces the exact same layer list.
func (m *MetadataManager) Put(name image.Name, layers []puller.Layer) error {
	record := metadataRecord{
		Name:   name.Key(),
		Layers: layers,
	}
	b, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata record for %q: %w", record.Name, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}

	dst := filepath.Join(m.dir, url.QueryEscape(record.Name)+".json")
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating metadata record: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing metadata record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing metadata record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing metadata record: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming metadata record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[record.Name] = layers
	m.updateGauges()
	return nil
}

// updateGauges must be called with the lock held.
func (m *MetadataManager) updateGauges() {
	layerIDs := map[string]struct{}{}
	for _, layers := range m.images {
		for _, layer := range layers {
			layerIDs[layer.ID] = struct{}{}
		}
	}
	metrics.StoredImages.Set(float64(len(m.images)))
	metrics.StoredLayers.Set(float64(len(layerIDs)))
}
