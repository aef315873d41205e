package puller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"layerstore/pkg/archive"
	"layerstore/pkg/auth"
	"layerstore/pkg/image"
	"layerstore/pkg/registry"
)

// Layer is one extracted filesystem layer. Pull results are ordered base
// layer first since layers are applied bottom-up.
type Layer struct {
	ID         string `json:"id"`
	RootfsPath string `json:"rootfs"`
}

// Puller materializes an image's layers into a directory.
type Puller interface {
	// Pull fetches the named image and extracts each of its layers under
	// dir/<layerID>/rootfs. The returned layers are ordered base first.
	// Layers extracted before a failure are left in place for the caller to
	// clean up.
	Pull(ctx context.Context, name image.Name, dir string) ([]Layer, error)
}

// Config selects and parameterizes a puller implementation.
type Config struct {
	// Kind is "registry" or "local".
	Kind string

	// Registry puller settings.
	RegistryURL string
	AuthURL     string
	Account     string
	PullTimeout time.Duration

	// Local puller settings.
	ArchivesDir string

	Extractor archive.Extractor
	Log       logr.Logger
}

// New builds the puller described by cfg.
func New(cfg Config) (Puller, error) {
	if cfg.Extractor == nil {
		cfg.Extractor = archive.NewExecExtractor()
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}

	switch cfg.Kind {
	case "local":
		return NewLocalPuller(cfg.ArchivesDir, cfg.Extractor, WithLocalLogger(cfg.Log))
	case "registry":
		tokens, err := auth.NewTokenManager(cfg.AuthURL, auth.WithLogger(cfg.Log))
		if err != nil {
			return nil, fmt.Errorf("creating token manager: %w", err)
		}
		client, err := registry.NewClient(
			cfg.RegistryURL,
			tokens,
			registry.WithLogger(cfg.Log),
			registry.WithAccount(cfg.Account),
		)
		if err != nil {
			return nil, fmt.Errorf("creating registry client: %w", err)
		}
		return NewRegistryPuller(client, cfg.Extractor,
			WithRegistryLogger(cfg.Log),
			WithPullTimeout(cfg.PullTimeout),
		)
	default:
		return nil, fmt.Errorf("unknown or unsupported puller kind %q", cfg.Kind)
	}
}

// extractLayer extracts one layer archive into dir/<layerID>/rootfs. A stale
// rootfs from an interrupted earlier run is removed and extracted again so a
// partially populated directory is never reported as a layer.
func extractLayer(ctx context.Context, extractor archive.Extractor, log logr.Logger, archivePath, dir, layerID string) (Layer, error) {
	rootfs := filepath.Join(dir, layerID, "rootfs")

	if _, err := os.Stat(rootfs); err == nil {
		log.Info("removing stale staged rootfs before extracting again", "layer", layerID)
		if err := os.RemoveAll(rootfs); err != nil {
			return Layer{}, fmt.Errorf("removing stale rootfs for layer %q: %w", layerID, err)
		}
	}

	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return Layer{}, fmt.Errorf("creating rootfs path %q: %w", rootfs, err)
	}

	if err := extractor.Extract(ctx, archivePath, rootfs); err != nil {
		return Layer{}, fmt.Errorf("layer %q: %w", layerID, err)
	}

	return Layer{ID: layerID, RootfsPath: rootfs}, nil
}
