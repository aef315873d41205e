package image

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const manifestJSON = `{
  "name": "library/busybox",
  "tag": "latest",
  "architecture": "amd64",
  "schemaVersion": 1,
  "fsLayers": [
    {"blobSum": "sha256:457934f1e4afb24ec4b85b00cbd6e8b8417b3ac9fde582e0b1cf9c27a4bfb25b"},
    {"blobSum": "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"}
  ],
  "history": [
    {"v1Compatibility": "{\"id\":\"top\",\"parent\":\"base\"}"},
    {"v1Compatibility": "{\"id\":\"base\",\"parent\":\"\"}"}
  ],
  "signatures": [
    {"header": {"alg": "ES256"}, "signature": "sig", "protected": "prot"}
  ]
}`

func TestParseManifest(t *testing.T) {
	t.Parallel()

	manifest, err := ParseManifest([]byte(manifestJSON))
	require.NoError(t, err)

	require.Equal(t, "library/busybox", manifest.Name)
	require.Equal(t, "latest", manifest.Tag)
	require.Equal(t, uint(1), manifest.SchemaVersion)
	require.Len(t, manifest.FsLayers, 2)
	require.Len(t, manifest.History, 2)

	// Wire order is preserved: index 0 is the top layer and corresponds
	// positionally to fsLayers[0].
	require.Equal(t, "top", manifest.History[0].V1Compatibility.ID)
	require.Equal(t, "base", manifest.History[0].V1Compatibility.Parent)
	require.Equal(t, "sha256:457934f1e4afb24ec4b85b00cbd6e8b8417b3ac9fde582e0b1cf9c27a4bfb25b", manifest.FsLayers[0].BlobSum.String())
	require.Equal(t, "base", manifest.History[1].V1Compatibility.ID)
	require.Empty(t, manifest.History[1].V1Compatibility.Parent)
}

func TestParseManifestInlineV1Compatibility(t *testing.T) {
	t.Parallel()

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(manifestJSON), &doc))
	doc["history"] = json.RawMessage(`[
		{"v1Compatibility": {"id": "top", "parent": "base"}},
		{"v1Compatibility": {"id": "base"}}
	]`)
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	manifest, err := ParseManifest(b)
	require.NoError(t, err)
	require.Equal(t, "top", manifest.History[0].V1Compatibility.ID)
	require.Equal(t, "base", manifest.History[1].V1Compatibility.ID)
}

func TestParseManifestMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field   string
		errWant string
	}{
		{field: "fsLayers", errWant: "fsLayers"},
		{field: "history", errWant: "history"},
		{field: "schemaVersion", errWant: "schemaVersion"},
		{field: "signatures", errWant: "signatures"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()

			var doc map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(manifestJSON), &doc))
			delete(doc, tt.field)
			b, err := json.Marshal(doc)
			require.NoError(t, err)

			_, err = ParseManifest(b)
			require.ErrorIs(t, err, ErrManifestInvalid)
			require.ErrorContains(t, err, tt.errWant)

			// An empty repeated field fails the same way as a missing one.
			doc[tt.field] = json.RawMessage("[]")
			if tt.field == "schemaVersion" {
				doc[tt.field] = json.RawMessage("0")
			}
			b, err = json.Marshal(doc)
			require.NoError(t, err)

			_, err = ParseManifest(b)
			require.ErrorIs(t, err, ErrManifestInvalid)
		})
	}
}

func TestParseManifestLengthMismatch(t *testing.T) {
	t.Parallel()

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(manifestJSON), &doc))
	doc["history"] = json.RawMessage(`[{"v1Compatibility": "{\"id\":\"only\"}"}]`)
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = ParseManifest(b)
	require.ErrorIs(t, err, ErrManifestInvalid)
	require.ErrorContains(t, err, "equal length")
}

func TestParseManifestMalformedBlobSum(t *testing.T) {
	t.Parallel()

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(manifestJSON), &doc))
	doc["fsLayers"] = json.RawMessage(`[{"blobSum": "garbage"}, {"blobSum": "garbage"}]`)
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = ParseManifest(b)
	require.ErrorIs(t, err, ErrManifestInvalid)
	require.ErrorContains(t, err, "blobSum")
}

func TestParseManifestNotJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseManifest([]byte("not json"))
	require.ErrorIs(t, err, ErrManifestInvalid)
}
