package store

import (
	"fmt"
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
)

// packageDBO maps to the packages table
type packageDBO struct {
	ID            string `db:"id"`
	Hash          string `db:"hash"`
	Name          string `db:"name"`
	SegmentLength int64  `db:"segment_length"`
	DataLength    int64  `db:"data_length"`
	SegmentHashes []byte `db:"segment_hashes"`
	CreatedAt     int64  `db:"created_at"`
}

// Mapper: Domain PackageRecord to DBO
func (p *packageDBO) FromDomain(rec *domain.PackageRecord) {
	p.ID = rec.ID
	p.Hash = rec.Hash()
	p.Name = rec.Name
	p.SegmentLength = rec.Sequence.SegmentLength
	p.DataLength = rec.Sequence.DataLength
	p.SegmentHashes = p.SegmentHashes[:0]
	for _, h := range rec.Identity.SegmentHashes {
		p.SegmentHashes = append(p.SegmentHashes, h...)
	}
	p.CreatedAt = rec.CreatedAt.Unix()
}

// Mapper: DBO to Domain PackageRecord. Segment hashes are stored back to
// back; every one has the width of the package hash.
func (p *packageDBO) ToDomain(files []domain.FileRange, status domain.StatusSnapshot) (*domain.PackageRecord, error) {
	pkgHash, err := domain.ParseHash(p.Hash)
	if err != nil {
		return nil, err
	}

	width := len(pkgHash)
	if width == 0 || len(p.SegmentHashes)%width != 0 {
		return nil, fmt.Errorf("package %s: corrupt segment hash column", p.ID)
	}

	hashes := make([]domain.Hash, 0, len(p.SegmentHashes)/width)
	for off := 0; off < len(p.SegmentHashes); off += width {
		hashes = append(hashes, domain.Hash(append([]byte(nil), p.SegmentHashes[off:off+width]...)))
	}

	return &domain.PackageRecord{
		ID:   p.ID,
		Name: p.Name,
		Sequence: domain.SequenceInfo{
			SegmentLength: p.SegmentLength,
			DataLength:    p.DataLength,
		},
		Identity:  domain.PackageIdentity{SegmentHashes: hashes, PackageHash: pkgHash},
		Files:     files,
		Status:    status,
		CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
	}, nil
}

// statusDBO maps to the download_status table
type statusDBO struct {
	PackageID       string `db:"package_id"`
	Bitmap          []byte `db:"bitmap"`
	BytesDownloaded int64  `db:"bytes_downloaded"`
	Downloaded      bool   `db:"downloaded"`
	Downloading     bool   `db:"downloading"`
}

func (s *statusDBO) FromDomain(id string, snap domain.StatusSnapshot) {
	s.PackageID = id
	s.Bitmap = snap.Bitmap
	s.BytesDownloaded = snap.BytesDownloaded
	s.Downloaded = snap.Downloaded
	s.Downloading = snap.Downloading
}

func (s *statusDBO) ToDomain() domain.StatusSnapshot {
	return domain.StatusSnapshot{
		Bitmap:          s.Bitmap,
		BytesDownloaded: s.BytesDownloaded,
		Downloaded:      s.Downloaded,
		Downloading:     s.Downloading,
	}
}
