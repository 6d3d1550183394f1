package domain

import (
	"time"

	"github.com/datallboy/pkgswarm/internal/entitylock"
)

// FileRange is one on-disk byte range of a package. Ranges are laid out
// back to back in package order; Offset is the position inside the file.
type FileRange struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// PackageRecord is the persisted description of a local package.
type PackageRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Sequence  SequenceInfo    `json:"sequence"`
	Identity  PackageIdentity `json:"identity"`
	Files     []FileRange     `json:"files"`
	Status    StatusSnapshot  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Hash is the content name of the package.
func (r *PackageRecord) Hash() string { return r.Identity.PackageHash.String() }

// Package is a live local package: immutable description plus mutable status,
// guarded by its Entity Lock for any file access.
type Package struct {
	ID        string
	Name      string
	Sequence  SequenceInfo
	Identity  PackageIdentity
	Files     []FileRange
	CreatedAt time.Time

	Status *DownloadStatus
	Lock   *entitylock.Lock
}

// NewPackage wires a fresh lock around a record and its restored status.
func NewPackage(rec *PackageRecord, status *DownloadStatus) *Package {
	return &Package{
		ID:        rec.ID,
		Name:      rec.Name,
		Sequence:  rec.Sequence,
		Identity:  rec.Identity,
		Files:     rec.Files,
		CreatedAt: rec.CreatedAt,
		Status:    status,
		Lock:      entitylock.New(),
	}
}

func (p *Package) Hash() string { return p.Identity.PackageHash.String() }

// Record snapshots the package for persistence.
func (p *Package) Record() *PackageRecord {
	return &PackageRecord{
		ID:        p.ID,
		Name:      p.Name,
		Sequence:  p.Sequence,
		Identity:  p.Identity,
		Files:     p.Files,
		Status:    p.Status.Snapshot(),
		CreatedAt: p.CreatedAt,
	}
}
