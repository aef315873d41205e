package puller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"layerstore/pkg/archive"
	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
	"layerstore/pkg/registry"
)

type RegistryPullerConfig struct {
	Log         logr.Logger
	PullTimeout time.Duration
}

func (cfg *RegistryPullerConfig) Apply(opts ...RegistryPullerOption) error {
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

type RegistryPullerOption func(cfg *RegistryPullerConfig) error

func WithRegistryLogger(log logr.Logger) RegistryPullerOption {
	return func(cfg *RegistryPullerConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithPullTimeout bounds the duration of a whole pull, manifest included.
// Zero means no deadline.
func WithPullTimeout(timeout time.Duration) RegistryPullerOption {
	return func(cfg *RegistryPullerConfig) error {
		cfg.PullTimeout = timeout
		return nil
	}
}

// RegistryPuller pulls images from a remote registry: one manifest fetch,
// then per layer a blob download and extraction, walking the manifest from
// the base layer up.
type RegistryPuller struct {
	client    *registry.Client
	extractor archive.Extractor
	log       logr.Logger
	timeout   time.Duration
}

func NewRegistryPuller(client *registry.Client, extractor archive.Extractor, opts ...RegistryPullerOption) (*RegistryPuller, error) {
	cfg := RegistryPullerConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	return &RegistryPuller{
		client:    client,
		extractor: extractor,
		log:       cfg.Log,
		timeout:   cfg.PullTimeout,
	}, nil
}

func (p *RegistryPuller) Pull(ctx context.Context, name image.Name, dir string) (layers []Layer, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ImagePullsTotal.WithLabelValues("registry", result).Inc()
		metrics.ImagePullDuration.Observe(time.Since(start).Seconds())
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	manifest, err := p.client.GetManifest(ctx, name)
	if err != nil {
		return nil, err
	}

	p.log.Info("pulling image", "image", name.String(), "layers", len(manifest.FsLayers))

	// The manifest lists the most recent layer first; walk it backwards so
	// the result is ordered base layer first. The same layer id can appear
	// more than once in a manifest, later occurrences are skipped.
	seen := map[string]struct{}{}
	for i := len(manifest.FsLayers) - 1; i >= 0; i-- {
		layerID := manifest.History[i].V1Compatibility.ID
		blobSum := manifest.FsLayers[i].BlobSum

		if _, ok := seen[layerID]; ok {
			continue
		}
		seen[layerID] = struct{}{}

		p.log.V(4).Info("downloading layer", "image", name.String(), "layer", layerID, "blobSum", blobSum.String())

		tarPath := filepath.Join(dir, layerID, "layer.tar")
		n, err := p.client.GetBlob(ctx, name, blobSum, tarPath)
		if err != nil {
			return nil, fmt.Errorf("downloading layer %q: %w", layerID, err)
		}
		if n == 0 {
			// The registry does not return empty responses, not even for
			// empty layers.
			return nil, fmt.Errorf("downloading layer %q: no content", layerID)
		}

		layer, err := extractLayer(ctx, p.extractor, p.log, tarPath, dir, layerID)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(tarPath); err != nil {
			return nil, fmt.Errorf("removing layer archive %q: %w", tarPath, err)
		}

		layers = append(layers, layer)
	}

	return layers, nil
}
