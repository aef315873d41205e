package puller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"

	"layerstore/pkg/archive"
	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
)

// ErrLocalArchive is wrapped by failures to interpret a saved image tree: a
// missing repositories entry, a missing layer manifest, or a parent cycle.
var ErrLocalArchive = errors.New("local archive malformed")

type LocalPullerConfig struct {
	Log logr.Logger
}

func (cfg *LocalPullerConfig) Apply(opts ...LocalPullerOption) error {
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

type LocalPullerOption func(cfg *LocalPullerConfig) error

func WithLocalLogger(log logr.Logger) LocalPullerOption {
	return func(cfg *LocalPullerConfig) error {
		cfg.Log = log
		return nil
	}
}

// LocalPuller materializes images from "docker save" output stored on local
// disk, either as <archives>/<name>.tar or as an already extracted
// <archives>/<name>/ tree. No network access is involved.
type LocalPuller struct {
	archivesDir string
	extractor   archive.Extractor
	log         logr.Logger
}

func NewLocalPuller(archivesDir string, extractor archive.Extractor, opts ...LocalPullerOption) (*LocalPuller, error) {
	cfg := LocalPullerConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	return &LocalPuller{
		archivesDir: archivesDir,
		extractor:   extractor,
		log:         cfg.Log,
	}, nil
}

func (p *LocalPuller) Pull(ctx context.Context, name image.Name, dir string) (layers []Layer, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ImagePullsTotal.WithLabelValues("local", result).Inc()
		metrics.ImagePullDuration.Observe(time.Since(start).Seconds())
	}()

	src, err := p.locate(ctx, name, dir)
	if err != nil {
		return nil, err
	}

	layerIDs, err := p.layerChain(src, name)
	if err != nil {
		return nil, err
	}

	p.log.Info("materializing local image", "image", name.String(), "layers", len(layerIDs))

	for _, layerID := range layerIDs {
		tarPath := filepath.Join(src, layerID, "layer.tar")
		if _, err := os.Stat(tarPath); err != nil {
			return nil, fmt.Errorf("%w: layer %q has no layer.tar: %w", ErrLocalArchive, layerID, err)
		}

		layer, err := extractLayer(ctx, p.extractor, p.log, tarPath, dir, layerID)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	return layers, nil
}

// locate finds the saved image source tree, extracting the tarball into dir
// first when the image is stored as one.
func (p *LocalPuller) locate(ctx context.Context, name image.Name, dir string) (string, error) {
	tarPath := filepath.Join(p.archivesDir, name.String()+".tar")
	if _, err := os.Stat(tarPath); err == nil {
		p.log.V(4).Info("extracting saved image archive", "archive", tarPath, "dir", dir)
		if err := p.extractor.Extract(ctx, tarPath, dir); err != nil {
			return "", err
		}
		return dir, nil
	}

	treePath := filepath.Join(p.archivesDir, name.String())
	if info, err := os.Stat(treePath); err == nil && info.IsDir() {
		return treePath, nil
	}

	return "", fmt.Errorf("no archive for image %q at %q: %w", name.String(), tarPath, errdefs.ErrNotFound)
}

// layerChain resolves the image's tag to its top layer through the
// repositories file, then follows parent links down to the base layer.
// The returned ids are ordered base layer first.
func (p *LocalPuller) layerChain(src string, name image.Name) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(src, "repositories"))
	if err != nil {
		return nil, fmt.Errorf("%w: reading repositories file: %w", ErrLocalArchive, err)
	}

	var repositories map[string]map[string]string
	if err := json.Unmarshal(b, &repositories); err != nil {
		return nil, fmt.Errorf("%w: parsing repositories file: %w", ErrLocalArchive, err)
	}

	tags, ok := repositories[name.Repository]
	if !ok {
		return nil, fmt.Errorf("%w: repository %q not found: %w", ErrLocalArchive, name.Repository, errdefs.ErrNotFound)
	}
	layerID, ok := tags[name.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: tag %q not found for repository %q: %w", ErrLocalArchive, name.Tag, name.Repository, errdefs.ErrNotFound)
	}

	ids := []string{layerID}
	seen := map[string]struct{}{layerID: {}}
	for {
		parent, err := p.parentOf(src, ids[0])
		if err != nil {
			return nil, err
		}
		if parent == "" {
			return ids, nil
		}
		if _, ok := seen[parent]; ok {
			return nil, fmt.Errorf("%w: layer parent chain contains a cycle at %q", ErrLocalArchive, parent)
		}
		seen[parent] = struct{}{}
		ids = append([]string{parent}, ids...)
	}
}

func (p *LocalPuller) parentOf(src, layerID string) (string, error) {
	b, err := os.ReadFile(filepath.Join(src, layerID, "json"))
	if err != nil {
		return "", fmt.Errorf("%w: reading manifest of layer %q: %w", ErrLocalArchive, layerID, err)
	}

	var manifest struct {
		ID     string `json:"id"`
		Parent string `json:"parent"`
	}
	if err := json.Unmarshal(b, &manifest); err != nil {
		return "", fmt.Errorf("%w: parsing manifest of layer %q: %w", ErrLocalArchive, layerID, err)
	}
	return manifest.Parent, nil
}
