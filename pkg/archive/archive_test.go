package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTar builds a tarball at path containing the given files.
func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

func TestNew(t *testing.T) {
	t.Parallel()

	extractor, err := New("")
	require.NoError(t, err)
	require.IsType(t, &ExecExtractor{}, extractor)

	extractor, err = New("exec")
	require.NoError(t, err)
	require.IsType(t, &ExecExtractor{}, extractor)

	extractor, err = New("native")
	require.NoError(t, err)
	require.IsType(t, &NativeExtractor{}, extractor)

	_, err = New("bogus")
	require.Error(t, err)
}

func TestExtract(t *testing.T) {
	t.Parallel()

	extractors := map[string]Extractor{
		"exec":   NewExecExtractor(),
		"native": NewNativeExtractor(),
	}
	for name, extractor := range extractors {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			tmp := t.TempDir()
			archivePath := filepath.Join(tmp, "layer.tar")
			writeTar(t, archivePath, map[string]string{
				"etc/hostname": "busybox\n",
				"greeting":     "hello",
			})

			dir := filepath.Join(tmp, "rootfs")
			require.NoError(t, os.MkdirAll(dir, 0o755))
			require.NoError(t, extractor.Extract(t.Context(), archivePath, dir))

			b, err := os.ReadFile(filepath.Join(dir, "etc", "hostname"))
			require.NoError(t, err)
			require.Equal(t, "busybox\n", string(b))

			b, err = os.ReadFile(filepath.Join(dir, "greeting"))
			require.NoError(t, err)
			require.Equal(t, "hello", string(b))
		})
	}
}

func TestExtractNotATarball(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	archivePath := filepath.Join(tmp, "garbage.tar")
	require.NoError(t, os.WriteFile(archivePath, []byte("this is not a tarball"), 0o644))

	dir := filepath.Join(tmp, "rootfs")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	err := NewExecExtractor().Extract(t.Context(), archivePath, dir)
	require.ErrorIs(t, err, ErrExtraction)
}

func TestExtractMissingArchive(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	err := NewNativeExtractor().Extract(t.Context(), filepath.Join(tmp, "nope.tar"), tmp)
	require.ErrorIs(t, err, ErrExtraction)
}
