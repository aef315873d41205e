package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrManifestInvalid is wrapped by all manifest validation failures.
var ErrManifestInvalid = errors.New("manifest invalid")

// Manifest is a Docker image manifest (schema version 1) as served by a v2
// registry from /v2/<repository>/manifests/<tag>.
//
// FsLayers and History are stored in wire order: index 0 is the most recently
// added layer. History[i] describes FsLayers[i].
type Manifest struct {
	Name          string      `json:"name"`
	Tag           string      `json:"tag"`
	Architecture  string      `json:"architecture"`
	SchemaVersion uint        `json:"schemaVersion"`
	FsLayers      []FsLayer   `json:"fsLayers"`
	History       []History   `json:"history"`
	Signatures    []Signature `json:"signatures"`
}

type FsLayer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

type History struct {
	V1Compatibility V1Compatibility `json:"v1Compatibility"`
}

// V1Compatibility carries the layer identity within a history entry. The id
// names the layer and Parent names the layer beneath it; the base layer has
// an empty Parent.
type V1Compatibility struct {
	ID     string `json:"id"`
	Parent string `json:"parent"`
}

// UnmarshalJSON accepts both encodings seen in the wild: an inline JSON
// object, and a JSON string containing the serialized object (which is what
// registries actually emit for schema1 manifests).
func (v *V1Compatibility) UnmarshalJSON(b []byte) error {
	var embedded string
	if err := json.Unmarshal(b, &embedded); err == nil {
		b = []byte(embedded)
	}
	type alias V1Compatibility
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("invalid v1Compatibility entry: %w", err)
	}
	*v = V1Compatibility(a)
	return nil
}

// Signature is an entry of the manifest's JSON web signature block. Its
// contents are not interpreted, only required to be present.
type Signature struct {
	Header    map[string]any `json:"header"`
	Signature string         `json:"signature"`
	Protected string         `json:"protected"`
}

// ParseManifest decodes a manifest JSON document and validates it against the
// schema1 requirements. The layer ordering of the document is preserved.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: not a JSON manifest: %w", ErrManifestInvalid, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.SchemaVersion == 0 {
		return fmt.Errorf("%w: schemaVersion field must be present", ErrManifestInvalid)
	}
	if len(m.FsLayers) == 0 {
		return fmt.Errorf("%w: fsLayers field must have at least one blobSum", ErrManifestInvalid)
	}
	if len(m.History) == 0 {
		return fmt.Errorf("%w: history field must have at least one v1Compatibility", ErrManifestInvalid)
	}
	if len(m.Signatures) == 0 {
		return fmt.Errorf("%w: signatures field must have at least one signature", ErrManifestInvalid)
	}
	if len(m.FsLayers) != len(m.History) {
		return fmt.Errorf("%w: fsLayers and history must be of equal length", ErrManifestInvalid)
	}
	for i, layer := range m.FsLayers {
		if !strings.Contains(layer.BlobSum.String(), ":") {
			return fmt.Errorf("%w: fsLayers[%d] has malformed blobSum %q", ErrManifestInvalid, i, layer.BlobSum)
		}
	}
	return nil
}
