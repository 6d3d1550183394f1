// Package cache keeps fetched manifests on disk so a repeated download does
// not have to find a peer that still serves the manifest.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/manifest"
)

var ErrMiss = errors.New("manifest not cached")

// ManifestCache stores one YAML file per package hash.
type ManifestCache struct {
	Dir     string
	NewHash domain.HashFunc
}

func NewManifestCache(dir string) *ManifestCache {
	return &ManifestCache{Dir: dir, NewHash: domain.SHA256}
}

func (c *ManifestCache) path(hash string) (string, error) {
	if _, err := domain.ParseHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(c.Dir, hash+".yaml"), nil
}

// Get returns the cached manifest for hash. A cached file that no longer
// decodes is removed and reported as a miss.
func (c *ManifestCache) Get(hash string) (*manifest.Manifest, error) {
	path, err := c.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	m, err := manifest.Decode(bytes.NewReader(data), c.NewHash)
	if err != nil || m.PackageHash.String() != hash {
		_ = os.Remove(path)
		return nil, ErrMiss
	}
	return m, nil
}

func (c *ManifestCache) Put(m *manifest.Manifest) error {
	path, err := c.path(m.PackageHash.String())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := manifest.Encode(&buf, m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func (c *ManifestCache) Exists(hash string) bool {
	path, err := c.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
