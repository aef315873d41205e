package image

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a container image as it appears on the command line:
//
//	[REGISTRY_HOST[:REGISTRY_PORT]/]REPOSITORY[:TAG|@TYPE:DIGEST]
//
// The format is ambiguous for repository names containing slashes, so the
// first component is treated as a registry only when it contains a '.' or a
// ':' or equals "localhost", mirroring how docker pull disambiguates.
//
// A digest reference is normalized by storing the digest string in Tag.
type Name struct {
	Registry   string
	Repository string
	Tag        string
}

// DefaultTag is used when a reference carries neither a tag nor a digest.
const DefaultTag = "latest"

// ParseName parses an image reference string into a Name.
func ParseName(ref string) (Name, error) {
	name := Name{}
	s := ref

	if s == "" {
		return Name{}, errors.New("image reference is empty")
	}

	// Extract the digest. It becomes the tag value.
	if rest, dgst, ok := strings.Cut(s, "@"); ok {
		if dgst == "" {
			return Name{}, fmt.Errorf("image reference %q has an empty digest", ref)
		}
		s = rest
		name.Tag = dgst
	}

	// Remove the tag. A host:port registry also contains ':', but then the
	// last ':'-separated component contains a slash and cannot be a tag.
	if name.Tag == "" {
		if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s[idx+1:], "/") {
			name.Tag = s[idx+1:]
			s = s[:idx]
		}
	}

	if name.Tag == "" {
		name.Tag = DefaultTag
	}

	// The first component is either the registry or part of the repository.
	first, rest, ok := strings.Cut(s, "/")
	switch {
	case !ok:
		name.Repository = s
	case strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost":
		name.Registry = first
		name.Repository = rest
	default:
		name.Repository = s
	}

	if name.Repository == "" {
		return Name{}, fmt.Errorf("image reference %q has an empty repository", ref)
	}

	return name, nil
}

// String renders the name as [registry/]repository:tag, or with an "@"
// separator when the tag holds a digest, so rendering and parsing round-trip.
func (n Name) String() string {
	sep := ":"
	if strings.Contains(n.Tag, ":") {
		sep = "@"
	}
	if n.Registry != "" {
		return n.Registry + "/" + n.Repository + sep + n.Tag
	}
	return n.Repository + sep + n.Tag
}

// Key is the identity under which an image is cached. Two references that
// resolve to the same registry, repository, and tag share one cache entry.
func (n Name) Key() string {
	return n.String()
}
