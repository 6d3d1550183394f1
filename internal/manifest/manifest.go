// Package manifest encodes the out-of-band description of a package: enough
// for another node to import it and start fetching segments from the swarm.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/datallboy/pkgswarm/internal/domain"
)

var ErrInvalidManifest = errors.New("invalid manifest")

type File struct {
	Name   string `yaml:"name"`
	Length int64  `yaml:"length"`
}

type Manifest struct {
	Name          string        `yaml:"name"`
	SegmentLength int64         `yaml:"segment_length"`
	DataLength    int64         `yaml:"data_length"`
	PackageHash   domain.Hash   `yaml:"package_hash"`
	SegmentHashes []domain.Hash `yaml:"segment_hashes"`
	Files         []File        `yaml:"files"`
}

// FromRecord describes a local package. File names are the base names of
// the local paths; the importer chooses where they land.
func FromRecord(rec *domain.PackageRecord) *Manifest {
	m := &Manifest{
		Name:          rec.Name,
		SegmentLength: rec.Sequence.SegmentLength,
		DataLength:    rec.Sequence.DataLength,
		PackageHash:   rec.Identity.PackageHash,
		SegmentHashes: rec.Identity.SegmentHashes,
	}
	for _, f := range rec.Files {
		m.Files = append(m.Files, File{Name: filepath.Base(f.Path), Length: f.Length})
	}
	return m
}

func (m *Manifest) Sequence() domain.SequenceInfo {
	return domain.SequenceInfo{SegmentLength: m.SegmentLength, DataLength: m.DataLength}
}

func (m *Manifest) Identity() domain.PackageIdentity {
	return domain.PackageIdentity{SegmentHashes: m.SegmentHashes, PackageHash: m.PackageHash}
}

// Ranges places the manifest's files under root, in order.
func (m *Manifest) Ranges(root string) []domain.FileRange {
	ranges := make([]domain.FileRange, 0, len(m.Files))
	for _, f := range m.Files {
		ranges = append(ranges, domain.FileRange{Path: filepath.Join(root, f.Name), Length: f.Length})
	}
	return ranges
}

// Check verifies the manifest is self-consistent: the identity matches the
// sequence, the package hash matches the segment hashes and the files cover
// exactly the data length.
func (m *Manifest) Check(newHash domain.HashFunc) error {
	if m.Name == "" || !filepath.IsLocal(m.Name) {
		return fmt.Errorf("%w: bad package name %q", ErrInvalidManifest, m.Name)
	}
	seq, err := domain.NewSequenceInfo(m.SegmentLength, m.DataLength)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	id := m.Identity()
	if err := id.CheckSequence(seq); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if !id.Verify(newHash) {
		return fmt.Errorf("%w: %w: package hash does not match segment hashes", ErrInvalidManifest, domain.ErrHashMismatch)
	}

	seen := make(map[string]bool, len(m.Files))
	var total int64
	for _, f := range m.Files {
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("%w: file name %q escapes the package directory", ErrInvalidManifest, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate file %q", ErrInvalidManifest, f.Name)
		}
		if f.Length < 0 {
			return fmt.Errorf("%w: file %q has negative length", ErrInvalidManifest, f.Name)
		}
		seen[f.Name] = true
		total += f.Length
	}
	if total != m.DataLength {
		return fmt.Errorf("%w: files hold %d bytes, data length is %d", ErrInvalidManifest, total, m.DataLength)
	}
	return nil
}

func Encode(w io.Writer, m *Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}

// Decode parses and checks a manifest.
func Decode(r io.Reader, newHash domain.HashFunc) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Check(newHash); err != nil {
		return nil, err
	}
	return &m, nil
}
