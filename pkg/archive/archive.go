// Package archive provides the tar extraction capability consumed by the
// pullers. Extraction is injected rather than embedded so puller logic can be
// tested without spawning processes.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	containerdarchive "github.com/containerd/containerd/v2/pkg/archive"
)

// ErrExtraction is wrapped by all archive extraction failures.
var ErrExtraction = errors.New("archive extraction failed")

// Extractor extracts a tar archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, dir string) error
}

// New returns the extractor for the given kind: "exec" shells out to tar,
// "native" applies the archive in-process.
func New(kind string) (Extractor, error) {
	switch kind {
	case "", "exec":
		return NewExecExtractor(), nil
	case "native":
		return NewNativeExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown extractor kind %q", kind)
	}
}

// ExecExtractor extracts archives by running the tar binary as a subprocess.
type ExecExtractor struct {
	// Tar is the binary to invoke, "tar" when empty.
	Tar string
}

func NewExecExtractor() *ExecExtractor {
	return &ExecExtractor{Tar: "tar"}
}

func (e *ExecExtractor) Extract(ctx context.Context, archivePath, dir string) error {
	tar := e.Tar
	if tar == "" {
		tar = "tar"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tar, "-C", dir, "-x", "-f", archivePath)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%w: extracting %q: %w: %s", ErrExtraction, archivePath, err, msg)
		}
		return fmt.Errorf("%w: extracting %q: %w", ErrExtraction, archivePath, err)
	}
	return nil
}

// NativeExtractor applies archives in-process using containerd's archive
// package, avoiding the tar subprocess dependency.
type NativeExtractor struct{}

func NewNativeExtractor() *NativeExtractor {
	return &NativeExtractor{}
}

func (e *NativeExtractor) Extract(ctx context.Context, archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: opening %q: %w", ErrExtraction, archivePath, err)
	}
	defer f.Close()

	if _, err := containerdarchive.Apply(ctx, dir, f); err != nil {
		return fmt.Errorf("%w: extracting %q: %w", ErrExtraction, archivePath, err)
	}
	return nil
}
