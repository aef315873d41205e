// Package config loads the optional registry endpoint configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Registry describes how to reach one registry and its authorization server.
type Registry struct {
	// URL of the registry API endpoint, e.g. "https://registry-1.docker.io".
	URL string `toml:"url"`
	// AuthURL of the token endpoint, e.g. "https://auth.docker.io/token".
	AuthURL string `toml:"auth_url"`
	// Account passed along with token requests, optional.
	Account string `toml:"account"`
}

// File is the on-disk configuration document.
//
//	[registry]
//	url = "https://registry-1.docker.io"
//	auth_url = "https://auth.docker.io/token"
type File struct {
	Registry Registry `toml:"registry"`
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}

	if f.Registry.URL == "" {
		return nil, errors.New("configuration file has no registry url")
	}
	return &f, nil
}
