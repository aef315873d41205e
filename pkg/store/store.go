// Package store caches pulled images on disk. Lookups for a cached image are
// answered from the metadata index; misses trigger a pull, and concurrent
// misses for the same image identity are coalesced into a single pull whose
// outcome every waiter observes.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
	"layerstore/pkg/puller"
)

type StoreConfig struct {
	Log logr.Logger
}

func (cfg *StoreConfig) Apply(opts ...StoreOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type StoreOption func(cfg *StoreConfig) error

func WithLogger(log logr.Logger) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Log = log
		return nil
	}
}

// Store resolves image references to lists of extracted rootfs directories.
//
// On-disk layout under the store root:
//
//	layers/<layerID>/rootfs   extracted layer content
//	staging/<random>/         per-pull scratch space
//	metadata/<image>.json     one record per image identity
//
// The store root is owned by exactly one Store instance at a time.
type Store struct {
	root     string
	puller   puller.Puller
	metadata *MetadataManager
	group    singleflight.Group
	log      logr.Logger
}

func NewStore(root string, p puller.Puller, opts ...StoreOption) (*Store, error) {
	cfg := StoreConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{root, filepath.Join(root, "layers"), filepath.Join(root, "staging"), filepath.Join(root, "metadata")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %q: %w", dir, err)
		}
	}

	return &Store{
		root:     root,
		puller:   p,
		metadata: NewMetadataManager(filepath.Join(root, "metadata"), cfg.Log),
		log:      cfg.Log,
	}, nil
}

// Recover rebuilds the metadata index from the store directory. Must be
// called before Get when reusing an existing store root.
func (s *Store) Recover() error {
	return s.metadata.Recover()
}

// Get resolves an image to its ordered rootfs paths, base layer first. A
// cache miss pulls the image; concurrent misses for the same image identity
// share one pull and receive identical results, success or failure alike.
func (s *Store) Get(ctx context.Context, name image.Name) ([]string, error) {
	if layers, ok := s.metadata.Get(name); ok {
		s.log.V(4).Info("image cache hit", "image", name.String())
		metrics.StoreGetsTotal.WithLabelValues("hit").Inc()
		return rootfsPaths(layers), nil
	}
	metrics.StoreGetsTotal.WithLabelValues("miss").Inc()

	// The pull deliberately outlives the requesting context: waiters that
	// attached to an in-flight pull would otherwise inherit the first
	// caller's cancellation.
	pullCtx := context.WithoutCancel(ctx)

	v, err, shared := s.group.Do(name.Key(), func() (any, error) {
		return s.pull(pullCtx, name)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.V(4).Info("attached to in-flight pull", "image", name.String())
	}
	return v.([]string), nil
}

func (s *Store) pull(ctx context.Context, name image.Name) ([]string, error) {
	// Re-check under the flight: a waiter may arrive after the pull that
	// cached the image completed but before its flight entry was forgotten.
	if layers, ok := s.metadata.Get(name); ok {
		return rootfsPaths(layers), nil
	}

	staging, err := os.MkdirTemp(filepath.Join(s.root, "staging"), "pull-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	s.log.Info("pulling image", "image", name.String(), "staging", staging)

	// On failure the staging directory is left behind on purpose: partial
	// artifacts are the caller's to inspect or clean up, and a retried Get
	// starts over in a fresh staging directory.
	layers, err := s.puller.Pull(ctx, name, staging)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", name.String(), err)
	}

	stored, err := s.promote(layers)
	if err != nil {
		return nil, err
	}

	if err := s.metadata.Put(name, stored); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(staging); err != nil {
		s.log.Error(err, "failed to remove staging directory", "staging", staging)
	}

	s.log.Info("pulled image", "image", name.String(), "layers", len(stored))
	return rootfsPaths(stored), nil
}

// promote moves each staged layer rootfs into the content-addressed layer
// directory. A layer that is already present in the store is reused as-is.
func (s *Store) promote(layers []puller.Layer) ([]puller.Layer, error) {
	stored := make([]puller.Layer, 0, len(layers))
	for _, layer := range layers {
		dst := filepath.Join(s.root, "layers", layer.ID, "rootfs")

		if _, err := os.Stat(dst); err == nil {
			s.log.V(4).Info("layer already in store", "layer", layer.ID)
			stored = append(stored, puller.Layer{ID: layer.ID, RootfsPath: dst})
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("creating layer directory for %q: %w", layer.ID, err)
		}
		if err := os.Rename(layer.RootfsPath, dst); err != nil {
			// Pulls of different images are not serialized against each
			// other, so a pull sharing this layer may have promoted it
			// between the existence check and the rename. Losing that race
			// is the already-in-store case.
			if _, statErr := os.Stat(dst); statErr == nil {
				s.log.V(4).Info("layer promoted by a concurrent pull", "layer", layer.ID)
				stored = append(stored, puller.Layer{ID: layer.ID, RootfsPath: dst})
				continue
			}
			return nil, fmt.Errorf("moving layer %q into store: %w", layer.ID, err)
		}
		stored = append(stored, puller.Layer{ID: layer.ID, RootfsPath: dst})
	}
	return stored, nil
}

func rootfsPaths(layers []puller.Layer) []string {
	paths := make([]string, 0, len(layers))
	for _, layer := range layers {
		paths = append(paths, layer.RootfsPath)
	}
	return paths
}
