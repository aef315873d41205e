package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"layerstore/pkg/image"
	"layerstore/pkg/puller"
	"layerstore/pkg/store"
)

// stubPuller answers every pull with the same layer chain, or fails.
type stubPuller struct {
	layerIDs []string
	err      error
}

func (p *stubPuller) Pull(ctx context.Context, name image.Name, dir string) ([]puller.Layer, error) {
	if p.err != nil {
		return nil, p.err
	}
	layers := make([]puller.Layer, 0, len(p.layerIDs))
	for _, layerID := range p.layerIDs {
		rootfs := filepath.Join(dir, layerID, "rootfs")
		if err := os.MkdirAll(rootfs, 0o755); err != nil {
			return nil, err
		}
		layers = append(layers, puller.Layer{ID: layerID, RootfsPath: rootfs})
	}
	return layers, nil
}

func newTestHandler(t *testing.T, p puller.Puller) http.Handler {
	t.Helper()
	s, err := store.NewStore(t.TempDir(), p)
	require.NoError(t, err)
	return NewServer(s, logr.Discard()).Handler()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &stubPuller{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestImageHandler(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &stubPuller{layerIDs: []string{"base", "top"}})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/images/registry.io/library/busybox:3.0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Name   string   `json:"name"`
		Layers []string `json:"layers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "registry.io/library/busybox:3.0", body.Name)
	require.Len(t, body.Layers, 2)
}

func TestImageHandlerBadReference(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &stubPuller{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/images/busybox@", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageHandlerNotFound(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &stubPuller{
		err: fmt.Errorf("no archive for image: %w", errdefs.ErrNotFound),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/images/busybox", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error)
}

func TestImageHandlerPullFailure(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &stubPuller{
		err: errors.New("registry on fire"),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/images/busybox", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
